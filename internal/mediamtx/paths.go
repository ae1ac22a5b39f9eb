package mediamtx

import (
	"context"
	"fmt"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
)

// PathManager provisions and tears down named stream paths tied to
// cameras. It keeps no state of its own beyond what the media server
// reports; every operation re-reads server state.
type PathManager struct {
	client *Client
	cfg    *config.MediaMTXConfig
	logger *logging.Logger
}

// NewPathManager builds a path manager over the given client.
func NewPathManager(client *Client, cfg *config.MediaMTXConfig, logger *logging.Logger) *PathManager {
	if logger == nil {
		logger = logging.GetLogger("path-manager")
	}
	return &PathManager{client: client, cfg: cfg, logger: logger}
}

// PathName returns the media server path name for a camera id.
func PathName(cameraID int) string {
	return fmt.Sprintf("cam%d", cameraID)
}

// publishCommand builds the on-demand FFmpeg publisher for a capture
// device, pushing into the locally served RTSP endpoint.
func (p *PathManager) publishCommand(devicePath, pathName string) string {
	return fmt.Sprintf(
		"ffmpeg -f v4l2 -i %s -c:v libx264 -preset ultrafast -tune zerolatency -f rtsp rtsp://%s:%d/%s",
		devicePath, p.cfg.Host, p.cfg.RTSPPort, pathName,
	)
}

// EnsurePath idempotently provisions cam<cameraID> backed by devicePath
// and returns the transport URLs.
func (p *PathManager) EnsurePath(ctx context.Context, cameraID int, devicePath string) (StreamURLs, error) {
	name := PathName(cameraID)
	urls := p.StreamURLs(name)

	// Re-read server state first so repeated provisioning is a no-op.
	if _, err := p.client.GetStreamStatus(ctx, name); err == nil {
		p.logger.WithFields(logging.Fields{
			"path":   name,
			"device": devicePath,
		}).Debug("Path already provisioned")
		return urls, nil
	} else if !IsNotFound(err) {
		return urls, err
	}

	conf := &pathConf{
		RunOnDemand:        p.publishCommand(devicePath, name),
		RunOnDemandRestart: true,
	}
	if err := p.client.CreateStream(ctx, name, "", conf); err != nil {
		return urls, err
	}

	p.logger.WithFields(logging.Fields{
		"path":   name,
		"device": devicePath,
	}).Info("Stream path provisioned")
	return urls, nil
}

// DeletePath removes cam<cameraID>. Missing paths are success; the
// not-found case is logged once for the audit trail.
func (p *PathManager) DeletePath(ctx context.Context, cameraID int) error {
	name := PathName(cameraID)

	if _, err := p.client.GetStreamStatus(ctx, name); IsNotFound(err) {
		p.logger.WithField("path", name).Info("Path already absent, delete is a no-op")
		return nil
	}

	if err := p.client.DeleteStream(ctx, name); err != nil {
		return err
	}
	p.logger.WithField("path", name).Info("Stream path deleted")
	return nil
}

// StreamURLs builds the transport endpoints for one path name.
func (p *PathManager) StreamURLs(name string) StreamURLs {
	return StreamURLs{
		RTSP:   fmt.Sprintf("rtsp://%s:%d/%s", p.cfg.Host, p.cfg.RTSPPort, name),
		WebRTC: fmt.Sprintf("http://%s:%d/%s", p.cfg.Host, p.cfg.WebRTCPort, name),
		HLS:    fmt.Sprintf("http://%s:%d/%s", p.cfg.Host, p.cfg.HLSPort, name),
	}
}
