package main

import (
	"context"
	"errors"

	"github.com/lobinuxsoft/updateio/apps/hub/config"
	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/apps/hub/wsclient"
)

// ConnectionStatus represents the current host connection for the frontend
type ConnectionStatus struct {
	Connected   bool   `json:"connected"`
	Connecting  bool   `json:"connecting"`
	URL         string `json:"url"`
	HostName    string `json:"hostName"`
	HostVersion string `json:"hostVersion"`
	Platform    string `json:"platform"`
	Error       string `json:"error,omitempty"`
}

var errConnecting = errors.New("connection already in progress")

// GetConnectionStatus returns the current connection status
func (a *App) GetConnectionStatus() ConnectionStatus {
	a.mu.RLock()
	status := ConnectionStatus{
		Connecting: a.connecting,
		Error:      a.lastError,
	}
	a.mu.RUnlock()

	client := a.session.Client()
	if client == nil {
		return status
	}
	status.Connected = client.IsConnected()
	status.URL = client.URL()
	if host := client.Host(); host != nil {
		status.HostName = host.Name
		status.HostVersion = host.Version
		status.Platform = host.Platform
	}
	return status
}

// Connect dials the configured host, or discovers one when none is set,
// and reloads games and settings.
func (a *App) Connect() error {
	cfg := a.cfg.GetConfig()
	return a.connect(session.Options{
		Host:           cfg.HostAddress,
		Port:           cfg.HostPort,
		HubName:        cfg.Name,
		RequestTimeout: cfg.RequestTimeout(),
		OnDisconnect:   a.lost,
		Logger:         a.log,
	})
}

// ConnectTo stores host:port as the configured host and connects to it.
// An empty host switches back to discovery.
func (a *App) ConnectTo(host string, port int) error {
	if err := a.cfg.SetHost(host, port); err != nil {
		return err
	}
	a.Disconnect()
	return a.Connect()
}

// Disconnect closes the current host connection. Cached games and settings
// stay available.
func (a *App) Disconnect() {
	if a.session.Detach(a.session.Client()) {
		a.emitConnection()
	}
}

func (a *App) connect(opts session.Options) error {
	a.mu.Lock()
	if a.connecting {
		a.mu.Unlock()
		return errConnecting
	}
	if a.session.Connected() {
		a.mu.Unlock()
		return nil
	}
	a.connecting = true
	a.mu.Unlock()
	a.emitConnection()

	client, err := a.dial(a.ctx, opts)
	if err == nil {
		if err = a.session.Attach(a.ctx, client); err != nil {
			client.Close()
		}
	}

	a.mu.Lock()
	a.connecting = false
	if err != nil {
		a.lastError = err.Error()
	} else {
		a.lastError = ""
	}
	a.mu.Unlock()

	if err != nil {
		a.log.Error("failed to connect to host", "err", err)
		a.emitConnection()
		return err
	}

	a.log.Info("connected to host", "url", client.URL())
	a.emitConnection()

	go a.warm()
	return nil
}

// lost runs when client drops its connection on its own.
func (a *App) lost(client *wsclient.Client) {
	if !a.session.Detach(client) {
		return
	}
	a.log.Warn("host connection lost")
	a.emitConnection()
}

// warm loads the initial data. Failures stay in the views' error state.
func (a *App) warm() {
	if err := a.session.Warm(context.WithoutCancel(a.ctx)); err != nil {
		a.log.Warn("initial load failed", "err", err)
	}
}

// onConfigChange reconnects when another process changes the host settings.
func (a *App) onConfigChange(prev, next config.Config) {
	if prev.HostAddress == next.HostAddress && prev.HostPort == next.HostPort &&
		prev.RequestTimeoutSeconds == next.RequestTimeoutSeconds {
		return
	}
	a.log.Info("host settings changed, reconnecting", "host", next.HostAddress, "port", next.HostPort)
	a.Disconnect()
	if err := a.Connect(); err != nil {
		a.log.Warn("reconnect failed", "err", err)
	}
}
