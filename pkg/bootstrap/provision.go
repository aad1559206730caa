package bootstrap

import (
	"context"
	"fmt"
)

// Policy names an HCL policy file to upload.
type Policy struct {
	Name string
	File string
}

// Plan lists the bootstrap steps to run. With Shares set, an uninitialized
// backend is initialized first. Otherwise RootToken is used to log in.
type Plan struct {
	Shares    int
	Threshold int
	RootToken string

	KVMounts []string
	Policies []Policy
	AppRoles []AppRoleSpec
}

// Result collects what Provision produced.
type Result struct {
	Init     *InitResult
	AppRoles []*AppRoleCredentials
}

// Provision runs plan in order: init or login, KV mounts, policies, then
// AppRoles. It stops at the first failure and returns what was produced
// so far.
func (c *Configurator) Provision(ctx context.Context, plan Plan) (*Result, error) {
	res := &Result{}

	if plan.Shares > 0 {
		out, err := c.Initialize(ctx, plan.Shares, plan.Threshold)
		res.Init = out
		if err != nil {
			return res, err
		}
	}
	if res.Init == nil {
		if plan.RootToken == "" {
			if _, err := c.root(); err != nil {
				return res, err
			}
		} else if err := c.Login(ctx, plan.RootToken); err != nil {
			return res, err
		}
	}

	for _, path := range plan.KVMounts {
		if err := c.EnableKV(ctx, path); err != nil {
			return res, err
		}
	}
	for _, p := range plan.Policies {
		if err := c.PutPolicy(ctx, p.Name, p.File); err != nil {
			return res, err
		}
	}
	for _, spec := range plan.AppRoles {
		creds, err := c.CreateAppRole(ctx, spec)
		if err != nil {
			return res, err
		}
		res.AppRoles = append(res.AppRoles, creds)
	}

	c.logger.Info("Provisioned %d mounts, %d policies and %d approles", len(plan.KVMounts), len(plan.Policies), len(plan.AppRoles))
	return res, nil
}

// String summarizes the plan without secrets.
func (p Plan) String() string {
	return fmt.Sprintf("Plan{Shares: %d, Threshold: %d, KVMounts: %v, Policies: %d, AppRoles: %d}",
		p.Shares, p.Threshold, p.KVMounts, len(p.Policies), len(p.AppRoles))
}
