// Package auth provides ACL-based authorization for replication and
// client RPCs, grounded on the teacher's agent.go call site
// (auth.New(ACLModelFile, ACLPolicyFile)) and casbin's standard
// model+policy file ACL pattern.
package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
)

// Authorizer checks whether subject may perform action on object
// against a casbin ACL model and policy loaded from disk.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

func New(modelFile, policyFile string) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelFile, policyFile)
	if err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Authorize returns nil if subject is permitted action on object,
// and an error naming the denied triple otherwise.
func (a *Authorizer) Authorize(subject, object, action string) error {
	ok, err := a.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("auth: %s not permitted to %s %s", subject, action, object)
	}
	return nil
}
