package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/camerakit/camera-daemon/internal/mediamtx"
	"github.com/camerakit/camera-daemon/internal/security"
)

// Backend supplies the behavior behind every RPC method. The service
// orchestrator implements it.
type Backend interface {
	GetCameraList(ctx context.Context) (interface{}, error)
	GetCameraStatus(ctx context.Context, device string) (interface{}, error)
	GetStreams(ctx context.Context) (interface{}, error)

	TakeSnapshot(ctx context.Context, device, filename, corrID string) (interface{}, error)
	StartRecording(ctx context.Context, device string, duration time.Duration, format, corrID string) (interface{}, error)
	StopRecording(ctx context.Context, device, corrID string) (interface{}, error)

	ListRecordings(ctx context.Context, limit, offset int) (interface{}, error)
	ListSnapshots(ctx context.Context, limit, offset int) (interface{}, error)
	GetRecordingInfo(ctx context.Context, filename string) (interface{}, error)
	GetSnapshotInfo(ctx context.Context, filename string) (interface{}, error)
	DeleteRecording(ctx context.Context, filename string) (interface{}, error)

	GetMetrics(ctx context.Context) (interface{}, error)
	GetStatus(ctx context.Context) (interface{}, error)
	GetServerInfo(ctx context.Context) (interface{}, error)
	GetStorageInfo(ctx context.Context) (interface{}, error)
}

// ErrNotFoundParam marks a backend lookup miss that should surface as
// invalid params rather than an upstream failure.
var ErrNotFoundParam = errors.New("not found")

// MethodHandler is one registered handler.
type MethodHandler func(ctx context.Context, client *ClientConnection, params json.RawMessage, corrID string) (interface{}, *RPCError)

type methodEntry struct {
	handler MethodHandler
	minRole security.Role
	version string
}

// RegisterMethod installs a handler with its minimum role and version.
func (s *Server) RegisterMethod(name string, minRole security.Role, version string, handler MethodHandler) {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	s.methods[name] = methodEntry{handler: handler, minRole: minRole, version: version}
}

// mapBackendError converts backend failures to RPC error objects.
func mapBackendError(err error) *RPCError {
	switch {
	case errors.Is(err, ErrNotFoundParam), mediamtx.IsNotFound(err):
		return NewError(CodeInvalidParams, err.Error())
	default:
		return NewError(CodeUpstreamFailed, fmt.Sprintf("upstream operation failed: %v", err))
	}
}

func decodeParams(params json.RawMessage, dst interface{}) *RPCError {
	if len(params) == 0 {
		return NewError(CodeInvalidParams, "invalid params: missing required parameters")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return NewError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

type authenticateParams struct {
	AuthToken string `json:"auth_token"`
	AuthType  string `json:"auth_type,omitempty"`
}

type deviceParams struct {
	Device string `json:"device"`
}

type snapshotParams struct {
	Device   string `json:"device"`
	Filename string `json:"filename,omitempty"`
}

type startRecordingParams struct {
	Device   string  `json:"device"`
	Duration float64 `json:"duration,omitempty"`
	Format   string  `json:"format,omitempty"`
}

type listParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type fileParams struct {
	Filename string `json:"filename"`
}

// registerBuiltinMethods installs the method table: name, minimum role,
// version, handler.
func (s *Server) registerBuiltinMethods() {
	s.RegisterMethod("authenticate", security.RoleViewer, "1.0", s.methodAuthenticate)
	s.RegisterMethod("ping", security.RoleViewer, "1.0", s.methodPing)

	s.RegisterMethod("get_camera_list", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetCameraList(ctx))
	})
	s.RegisterMethod("get_camera_status", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params deviceParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if params.Device == "" {
			return nil, NewError(CodeInvalidParams, "invalid params: device is required")
		}
		return wrap(s.backend.GetCameraStatus(ctx, params.Device))
	})
	s.RegisterMethod("get_streams", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetStreams(ctx))
	})

	s.RegisterMethod("list_recordings", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params listParams
		if len(p) > 0 {
			if rpcErr := decodeParams(p, &params); rpcErr != nil {
				return nil, rpcErr
			}
		}
		return wrap(s.backend.ListRecordings(ctx, params.Limit, params.Offset))
	})
	s.RegisterMethod("list_snapshots", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params listParams
		if len(p) > 0 {
			if rpcErr := decodeParams(p, &params); rpcErr != nil {
				return nil, rpcErr
			}
		}
		return wrap(s.backend.ListSnapshots(ctx, params.Limit, params.Offset))
	})
	s.RegisterMethod("get_recording_info", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params fileParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		return wrap(s.backend.GetRecordingInfo(ctx, params.Filename))
	})
	s.RegisterMethod("get_snapshot_info", security.RoleViewer, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params fileParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		return wrap(s.backend.GetSnapshotInfo(ctx, params.Filename))
	})

	s.RegisterMethod("take_snapshot", security.RoleOperator, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params snapshotParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if params.Device == "" {
			return nil, NewError(CodeInvalidParams, "invalid params: device is required")
		}
		return wrap(s.backend.TakeSnapshot(ctx, params.Device, params.Filename, corrID))
	})
	s.RegisterMethod("start_recording", security.RoleOperator, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params startRecordingParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if params.Device == "" {
			return nil, NewError(CodeInvalidParams, "invalid params: device is required")
		}
		duration := time.Duration(params.Duration * float64(time.Second))
		return wrap(s.backend.StartRecording(ctx, params.Device, duration, params.Format, corrID))
	})
	s.RegisterMethod("stop_recording", security.RoleOperator, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params deviceParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if params.Device == "" {
			return nil, NewError(CodeInvalidParams, "invalid params: device is required")
		}
		return wrap(s.backend.StopRecording(ctx, params.Device, corrID))
	})
	s.RegisterMethod("delete_recording", security.RoleOperator, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		var params fileParams
		if rpcErr := decodeParams(p, &params); rpcErr != nil {
			return nil, rpcErr
		}
		return wrap(s.backend.DeleteRecording(ctx, params.Filename))
	})

	s.RegisterMethod("get_metrics", security.RoleAdmin, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetMetrics(ctx))
	})
	s.RegisterMethod("get_status", security.RoleAdmin, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetStatus(ctx))
	})
	s.RegisterMethod("get_server_info", security.RoleAdmin, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetServerInfo(ctx))
	})
	s.RegisterMethod("get_storage_info", security.RoleAdmin, "1.0", func(ctx context.Context, c *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
		return wrap(s.backend.GetStorageInfo(ctx))
	})
}

func wrap(result interface{}, err error) (interface{}, *RPCError) {
	if err != nil {
		return nil, mapBackendError(err)
	}
	return result, nil
}

// methodAuthenticate establishes the session principal. Mode is auto
// unless auth_type names jwt or api_key.
func (s *Server) methodAuthenticate(ctx context.Context, client *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
	var params authenticateParams
	if rpcErr := decodeParams(p, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.AuthToken == "" {
		return nil, NewError(CodeInvalidParams, "invalid params: auth_token is required")
	}

	method := security.AuthMethodAuto
	switch params.AuthType {
	case "jwt":
		method = security.AuthMethodJWT
	case "api_key":
		method = security.AuthMethodAPIKey
	}

	result := s.auth.Authenticate(client.ID, params.AuthToken, method)
	if !result.Authenticated {
		return nil, &RPCError{
			Code:    CodeAuthRequired,
			Message: "authentication failed",
			Data: map[string]interface{}{
				"auth_method":   result.AuthMethod,
				"error_message": result.ErrorMessage,
			},
		}
	}
	client.authenticated.Store(true)

	return map[string]interface{}{
		"authenticated": true,
		"user_id":       result.Principal.UserID,
		"role":          result.Principal.Role,
		"auth_method":   result.Principal.AuthMethod,
		"expires_at":    result.Principal.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) methodPing(ctx context.Context, client *ClientConnection, p json.RawMessage, corrID string) (interface{}, *RPCError) {
	return "pong", nil
}
