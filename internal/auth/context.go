package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxAgentID ctxKey = iota
	ctxOrganizationID
	ctxRole
)

func WithIdentity(ctx context.Context, agentID, organizationID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxAgentID, agentID)
	ctx = context.WithValue(ctx, ctxOrganizationID, organizationID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func AgentID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxAgentID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("agent_id not in context")
}

func OrganizationID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxOrganizationID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("organization_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
