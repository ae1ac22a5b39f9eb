package rpc

// Permitted notification fields per method; unexpected keys are dropped
// at the boundary before fan-out.
var permittedNotificationFields = map[string]map[string]bool{
	"camera_status_update": {
		"device":              true,
		"status":              true,
		"name":                true,
		"resolution":          true,
		"fps":                 true,
		"streams":             true,
		"metadata_validation": true,
		"metadata_source":     true,
		"metadata_provisional": true,
		"metadata_confirmed":  true,
	},
	"recording_status_update": {
		"device":   true,
		"status":   true,
		"filename": true,
		"duration": true,
	},
}

// filterNotificationFields drops keys not permitted for the method.
func filterNotificationFields(method string, params map[string]interface{}) map[string]interface{} {
	allowed, known := permittedNotificationFields[method]
	if !known {
		return params
	}
	filtered := make(map[string]interface{}, len(params))
	for k, v := range params {
		if allowed[k] {
			filtered[k] = v
		}
	}
	return filtered
}

// NotifyCameraStatusUpdate broadcasts a device status change.
func (s *Server) NotifyCameraStatusUpdate(params map[string]interface{}) {
	s.Broadcast("camera_status_update", filterNotificationFields("camera_status_update", params))
}

// NotifyRecordingStatusUpdate broadcasts a recording lifecycle change.
func (s *Server) NotifyRecordingStatusUpdate(params map[string]interface{}) {
	s.Broadcast("recording_status_update", filterNotificationFields("recording_status_update", params))
}
