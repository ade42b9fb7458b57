package rbac

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RolePMO    Role = "pmo"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionToggle  Action = "toggle"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

//go:embed model.conf
var defaultModel string

//go:embed policy.csv
var defaultPolicy string

// Enforcer answers role/action questions against a casbin RBAC model. Roles
// inherit upward: viewer < member < pmo, admin is allowed everything.
type Enforcer struct {
	enforcer *casbin.Enforcer
}

func NewEnforcer(modelText, policyText string) (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(policyText))
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	return &Enforcer{enforcer: enforcer}, nil
}

// Default loads the embedded model and policy.
func Default() (*Enforcer, error) {
	return NewEnforcer(defaultModel, defaultPolicy)
}

func (e *Enforcer) Can(role Role, action Action) bool {
	ok, err := e.enforcer.Enforce(subject(role), string(action))
	return err == nil && ok
}

var defaultEnforcer = mustDefault()

func mustDefault() *Enforcer {
	e, err := Default()
	if err != nil {
		panic(err)
	}
	return e
}

func Can(role Role, action Action) bool {
	return defaultEnforcer.Can(role, action)
}

func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer:
		return RoleViewer
	case RoleMember:
		return RoleMember
	case RolePMO:
		return RolePMO
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// Valid reports whether role names one of the known roles exactly.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleMember, RolePMO, RoleAdmin:
		return true
	default:
		return false
	}
}

func subject(role Role) string {
	return "role:" + string(Normalize(string(role)))
}
