package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is one failed rule on one field.
type FieldError struct {
	Field string
	Rule  string
}

// ValidationError collects every problem found in one payload.
type ValidationError struct {
	Resource Resource
	Reason   string
	Fields   []FieldError
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("invalid %s payload", e.Resource))
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	for i, f := range e.Fields {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s failed %q", f.Field, f.Rule))
	}
	return sb.String()
}

// Decode parses and validates a JSON payload for res. Extra fields such as the
// long-poll cursor and timeout meta fields are ignored.
func Decode(res Resource, raw []byte) (Snapshot, error) {
	var snap Snapshot
	switch res.Kind {
	case KindSession:
		snap = &AuthSession{}
	case KindGame:
		snap = &GameState{}
	case KindGames:
		snap = &GameListing{}
	case KindInvitations:
		snap = &Invitations{}
	default:
		return nil, &ValidationError{Resource: res, Reason: "unknown resource kind"}
	}

	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, &ValidationError{Resource: res, Reason: err.Error()}
	}

	if err := validate.Struct(snap); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, &ValidationError{Resource: res, Reason: err.Error()}
		}
		out := &ValidationError{Resource: res}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
		}
		return nil, out
	}

	if g, ok := snap.(*GameState); ok {
		if err := checkBoard(res, g); err != nil {
			return nil, err
		}
	}

	if snap.Resource() != res {
		return nil, &ValidationError{
			Resource: res,
			Reason:   fmt.Sprintf("payload belongs to %s", snap.Resource()),
		}
	}

	return snap, nil
}

// DecodeToken wraps a text/plain status body.
func DecodeToken(res Resource, body string) (Snapshot, error) {
	token := strings.TrimSpace(body)
	if token == "" {
		return nil, &ValidationError{Resource: res, Reason: "empty status token"}
	}
	return &StatusToken{Res: res, Value: token}, nil
}

// checkBoard verifies the grid matches the declared dimensions.
func checkBoard(res Resource, g *GameState) error {
	if len(g.Board) != g.Height {
		return &ValidationError{
			Resource: res,
			Reason:   fmt.Sprintf("board has %d rows, height is %d", len(g.Board), g.Height),
		}
	}
	for y, row := range g.Board {
		if len(row) != g.Width {
			return &ValidationError{
				Resource: res,
				Reason:   fmt.Sprintf("board row %d has %d cells, width is %d", y, len(row), g.Width),
			}
		}
	}
	return nil
}
