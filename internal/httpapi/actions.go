// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"fmt"

	"github.com/monadic-testbed/snops-core/internal/bus"
	"github.com/monadic-testbed/snops-core/internal/schema"
)

const (
	actionOnline  = "online"
	actionOffline = "offline"
	actionReboot  = "reboot"
	actionConfig  = "config"
	actionExecute = "execute"
	actionDeploy  = "deploy"
)

// applyNodeAction dispatches one named action against a single node
// slot, returning a short human-readable outcome string.
func (s *Server) applyNodeAction(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey, action string, req actionRequest) (string, error) {
	switch action {
	case actionOnline, actionOffline:
		return s.setNodeOnline(ctx, envID, nodeKey, action == actionOnline)
	case actionReboot:
		return s.killNode(ctx, envID, nodeKey)
	case actionConfig:
		return s.rePushTarget(ctx, envID, nodeKey)
	case actionExecute:
		return s.executeOnNode(ctx, envID, nodeKey, req)
	case actionDeploy:
		return s.deployToNode(ctx, envID, nodeKey, req)
	default:
		return "", fmt.Errorf("unrecognized action %q", action)
	}
}

func (s *Server) setNodeOnline(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey, online bool) (string, error) {
	target, found, err := loadTarget(ctx, s.store, envID, nodeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no target state for %s/%s", envID, nodeKey)
	}
	target.Online = online
	if err := putTarget(ctx, s.store, envID, nodeKey, target); err != nil {
		return "", err
	}
	if err := s.pushTarget(envID, nodeKey, target); err != nil {
		return "", err
	}
	if online {
		return "online", nil
	}
	return "offline", nil
}

func (s *Server) rePushTarget(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey) (string, error) {
	target, found, err := loadTarget(ctx, s.store, envID, nodeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no target state for %s/%s", envID, nodeKey)
	}
	if err := s.pushTarget(envID, nodeKey, target); err != nil {
		return "", err
	}
	return "config pushed", nil
}

func (s *Server) deployToNode(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey, req actionRequest) (string, error) {
	if req.BinaryDigest == "" {
		return "", fmt.Errorf("deploy: binary_digest required")
	}
	target, found, err := loadTarget(ctx, s.store, envID, nodeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no target state for %s/%s", envID, nodeKey)
	}
	target.BinaryDigest = req.BinaryDigest
	if err := putTarget(ctx, s.store, envID, nodeKey, target); err != nil {
		return "", err
	}
	if err := s.pushTarget(envID, nodeKey, target); err != nil {
		return "", err
	}
	return "binary swap queued", nil
}

func (s *Server) killNode(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey) (string, error) {
	agentID, found, err := assignedAgent(ctx, s.store, envID, nodeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no agent assigned to %s/%s", envID, nodeKey)
	}
	resp, err := s.bus.Request(ctx, agentID, bus.Command{Op: bus.OpKill})
	if err != nil {
		return "", err
	}
	if resp.Status != bus.ResultOK {
		return "", fmt.Errorf("kill: %s", resp.Error)
	}
	return "killed, reconciler will restart", nil
}

func (s *Server) executeOnNode(ctx context.Context, envID schema.EnvID, nodeKey schema.NodeKey, req actionRequest) (string, error) {
	if req.Program == "" || req.Fn == "" {
		return "", fmt.Errorf("execute: program and fn required")
	}
	agentID, found, err := assignedAgent(ctx, s.store, envID, nodeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no agent assigned to %s/%s", envID, nodeKey)
	}

	authResp, err := s.bus.Request(ctx, agentID, bus.Command{
		Op: bus.OpAuthorize,
		Authorize: &bus.AuthorizeArgs{
			Program: req.Program,
			Fn:      req.Fn,
			Inputs:  req.Inputs,
			KeyRef:  req.KeyRef,
		},
	})
	if err != nil {
		return "", err
	}
	if authResp.Status != bus.ResultOK {
		return "", fmt.Errorf("authorize: %s", authResp.Error)
	}

	execResp, err := s.bus.Request(ctx, agentID, bus.Command{
		Op: bus.OpExecute,
		Execute: &bus.ExecuteArgs{
			AuthBytes: authResp.AuthBytes,
		},
	})
	if err != nil {
		return "", err
	}
	if execResp.Status != bus.ResultOK {
		return "", fmt.Errorf("execute: %s", execResp.Error)
	}
	return fmt.Sprintf("executed, %d bytes of signed tx", len(execResp.TxBytes)), nil
}

// pushTarget sends an updated target state straight to the node's
// hosting agent if one is currently connected; SetTargetState is a
// best-effort push, not a requirement — a disconnected agent picks up
// the new target from the store on its next handshake.
func (s *Server) pushTarget(envID schema.EnvID, nodeKey schema.NodeKey, target schema.TargetState) error {
	agentID, found, err := assignedAgent(context.Background(), s.store, envID, nodeKey)
	if err != nil || !found {
		return err
	}
	if !s.bus.Connected(agentID) {
		return nil
	}
	return s.bus.SetTargetState(agentID, &target)
}
