// Package whatsmeowsocket is the one concrete Socket implementation,
// built on go.mau.fi/whatsmeow. It is the only package in the module that
// imports the protocol library directly (C1).
package whatsmeowsocket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
	"whatsapp-gateway/pkg/logger"
)

// Factory constructs whatsmeow-backed Sockets, one sqlstore-managed
// device per session. It does not fetch or cache a protocol version; each
// client uses the library's built-in version.
type Factory struct {
	container *sqlstore.Container
	authRoot  string

	versionOnce sync.Once
	version     *store.Device // placeholder kept for future pinned-version support
}

// NewFactory builds a SocketFactory backed by the given sqlstore
// container (itself backed by the gateway's Postgres database) and an
// auth-directory root used for per-session lid reverse-map files.
func NewFactory(container *sqlstore.Container, authRoot string) *Factory {
	return &Factory{container: container, authRoot: authRoot}
}

// CreateSocket resolves the session's auth directory, loads or creates its
// device, and returns a Socket already streaming events. Fails only if the
// auth directory cannot be created or the device store cannot be loaded.
func (f *Factory) CreateSocket(ctx context.Context, sessionID string) (domain.Socket, error) {
	dir := filepath.Join(f.authRoot, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeAuthIOFailure, "failed to create auth directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "lids"), 0o750); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeAuthIOFailure, "failed to create lid directory", err)
	}

	device, err := f.loadOrCreateDevice(ctx, sessionID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeAuthIOFailure, "failed to load device store", err)
	}

	var clientLog waLog.Logger = logger.NewWALogger(fmt.Sprintf("socket-%s", sessionID))
	client := whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = false // reconnect policy is owned by the core, not the library

	return newSocket(sessionID, client), nil
}

// loadOrCreateDevice reuses the session's existing device if one was
// persisted by a prior process, otherwise allocates a fresh one — the
// first QR pairing then fills it in via a CredsUpdate.
func (f *Factory) loadOrCreateDevice(ctx context.Context, sessionID string) (*store.Device, error) {
	devices, err := f.container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID != nil && d.PushName == sessionID {
			return d, nil
		}
	}
	device := f.container.NewDevice()
	device.PushName = sessionID
	return device, nil
}
