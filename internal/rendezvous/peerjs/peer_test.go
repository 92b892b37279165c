package peerjs

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/oselabs/peerchat/internal/rendezvous"
)

// brokenRTCConfig cannot produce a peer connection.
func brokenRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"junk://not-a-stun-server"}},
		},
	}
}

func TestConnectUnsupportedTransport(t *testing.T) {
	p := New(Config{ServerURL: "http://127.0.0.1:1", RTC: brokenRTCConfig()})
	p.opened = true

	_, err := p.Connect(context.Background(), "peer-1")
	if !errors.Is(err, rendezvous.ErrTransportUnsupported) {
		t.Errorf("Connect err = %v, want ErrTransportUnsupported", err)
	}
}

func TestCallUnsupportedTransport(t *testing.T) {
	p := New(Config{ServerURL: "http://127.0.0.1:1", RTC: brokenRTCConfig()})
	p.opened = true

	_, err := p.Call(context.Background(), "peer-1", nil)
	if !errors.Is(err, rendezvous.ErrTransportUnsupported) {
		t.Errorf("Call err = %v, want ErrTransportUnsupported", err)
	}
}

func TestConnectRequiresOpenIdentity(t *testing.T) {
	p := New(Config{ServerURL: "http://127.0.0.1:1"})

	if _, err := p.Connect(context.Background(), "peer-1"); !errors.Is(err, rendezvous.ErrBrokerUnavailable) {
		t.Errorf("Connect err = %v, want ErrBrokerUnavailable", err)
	}
	if _, err := p.Call(context.Background(), "peer-1", nil); !errors.Is(err, rendezvous.ErrBrokerUnavailable) {
		t.Errorf("Call err = %v, want ErrBrokerUnavailable", err)
	}
}
