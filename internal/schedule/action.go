package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the power action a rule performs.
type Action string

const (
	ActionShutdown  Action = "shutdown"
	ActionHibernate Action = "hibernate"
)

// Actions lists every supported action in display order.
var Actions = []Action{ActionShutdown, ActionHibernate}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w %q (want shutdown|hibernate)", ErrInvalidAction, s)
	}
	return a, nil
}

func (a Action) Valid() bool {
	return a == ActionShutdown || a == ActionHibernate
}

func (a Action) String() string { return string(a) }

func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	v, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
