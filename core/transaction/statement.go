package transaction

import (
	"fmt"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Statement is a SQL statement with its already-encoded parameters.
type Statement struct {
	SQL        string
	Params     map[string]*structpb.Value
	ParamTypes map[string]*sppb.Type
}

func NewStatement(sql string) Statement {
	return Statement{SQL: sql, Params: map[string]*structpb.Value{}}
}

// Bind sets parameter name to the structpb form of value. The type is left
// for the server to infer.
func (s *Statement) Bind(name string, value any) error {
	v, err := structpb.NewValue(value)
	if err != nil {
		return fmt.Errorf("bind parameter %q: %w", name, err)
	}
	if s.Params == nil {
		s.Params = map[string]*structpb.Value{}
	}
	s.Params[name] = v
	return nil
}

func (s Statement) params() *structpb.Struct {
	return &structpb.Struct{Fields: s.Params}
}
