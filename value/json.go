package value

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// jsonValue is the JSON wire form of a Value.
type jsonValue struct {
	Type   string           `json:"type"`
	Bool   *bool            `json:"bool,omitempty"`
	Int    *int64           `json:"int,omitempty"`
	Double *float64         `json:"double,omitempty"`
	String *string          `json:"string,omitempty"`
	Binary []byte           `json:"binary,omitempty"`
	Class  string           `json:"class,omitempty"`
	Elems  []Value          `json:"elems,omitempty"`
	Dict   map[string]Value `json:"dict,omitempty"`
	PK     *Value           `json:"pk,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var w = jsonValue{Type: v.kind.String()}

	switch v.kind {
	case KindNull:
	case KindBool:
		var b = v.Bool()
		w.Bool = &b
	case KindInt, KindTimestamp:
		var i = v.i
		w.Int = &i
	case KindDouble:
		var f = v.f
		w.Double = &f
	case KindString:
		var s = v.s
		w.String = &s
	case KindUUID:
		var s = v.UUID().String()
		w.String = &s
	case KindBinary:
		w.Binary = []byte(v.s)
	case KindLink:
		var i = v.i
		w.Class, w.Int = v.s, &i
	case KindRef:
		w.Class, w.PK = v.s, v.pk
	case KindList, KindSet:
		w.Elems = v.elems
		if w.Elems == nil {
			w.Elems = []Value{}
		}
	case KindDictionary, KindEmbedded:
		w.Class, w.Dict = v.s, v.dict
		if w.Dict == nil {
			w.Dict = map[string]Value{}
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var w jsonValue
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var kind, err = ParseKind(w.Type)
	if err != nil {
		return err
	}
	var out = Value{kind: kind}

	switch kind {
	case KindNull:
	case KindBool:
		out.i = 0
		if w.Bool != nil && *w.Bool {
			out.i = 1
		}
	case KindInt, KindTimestamp:
		if w.Int != nil {
			out.i = *w.Int
		}
	case KindDouble:
		if w.Double != nil {
			out.f = *w.Double
		}
	case KindString:
		if w.String != nil {
			out.s = *w.String
		}
	case KindUUID:
		if w.String == nil {
			return errors.New("uuid value is missing its string")
		}
		var u, err = uuid.Parse(*w.String)
		if err != nil {
			return err
		}
		out.s = string(u[:])
	case KindBinary:
		out.s = string(w.Binary)
	case KindLink:
		out.s = w.Class
		if w.Int != nil {
			out.i = *w.Int
		}
	case KindRef:
		out.s = w.Class
		if w.PK != nil {
			var pk = *w.PK
			out.pk = &pk
		}
	case KindList, KindSet:
		out.elems = w.Elems
	case KindDictionary, KindEmbedded:
		out.s, out.dict = w.Class, w.Dict
		if out.dict == nil {
			out.dict = map[string]Value{}
		}
	}
	*v = out
	return nil
}
