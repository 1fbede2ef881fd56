package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/tetherim/tether/pkg/plugin"
)

// CallNotifyPlugin notifies on incoming calls and messages
type CallNotifyPlugin struct {
	api     plugin.API
	running bool
	unsub   []func()
}

// Name returns the plugin name
func (p *CallNotifyPlugin) Name() string {
	return "callnotify"
}

// Version returns the plugin version
func (p *CallNotifyPlugin) Version() string {
	return "1.0.0"
}

// Description returns a short description
func (p *CallNotifyPlugin) Description() string {
	return "Desktop notifications for incoming calls and messages"
}

// Init initializes the plugin
func (p *CallNotifyPlugin) Init(ctx context.Context, api plugin.API) error {
	p.api = api
	return nil
}

// Start starts the plugin
func (p *CallNotifyPlugin) Start() error {
	if p.running {
		return nil
	}

	// Subscribe to incoming calls
	unsubCall := p.api.OnCallRinging(func(call plugin.Call) {
		if !call.Incoming {
			return
		}

		contact := p.api.GetContact(call.Peer)
		name := call.Peer
		if contact != nil && contact.Name != "" {
			name = contact.Name
		}

		_ = sendNotification("Incoming call", fmt.Sprintf("%s is calling", name))
	})
	p.unsub = append(p.unsub, unsubCall)

	// Subscribe to messages
	unsubMessage := p.api.OnMessage(func(msg plugin.Message) {
		if msg.Outgoing {
			return
		}

		contact := p.api.GetContact(msg.From)
		name := msg.From
		if contact != nil && contact.Name != "" {
			name = contact.Name
		}

		_ = sendNotification(name, msg.Body)
	})
	p.unsub = append(p.unsub, unsubMessage)

	p.running = true
	return nil
}

// Stop stops the plugin
func (p *CallNotifyPlugin) Stop() error {
	if !p.running {
		return nil
	}

	for _, unsub := range p.unsub {
		unsub()
	}
	p.unsub = nil

	p.running = false
	return nil
}

// sendNotification sends a desktop notification
func sendNotification(title, body string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, body, title)
		return exec.Command("osascript", "-e", script).Run()

	case "linux":
		return exec.Command("notify-send", title, body).Run()

	case "windows":
		// Windows Toast notifications require more complex implementation
		return nil

	default:
		return nil
	}
}

func main() {
	// This would use go-plugin to serve the plugin
	// Simplified for example purposes
}
