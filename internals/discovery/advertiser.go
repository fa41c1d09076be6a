// Package discovery advertises the venue host on the local network so mobile
// clients can find it without typing an address.
package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType is the mDNS service clients browse for.
const ServiceType = "_audiowallet._tcp"

// Advertiser publishes the host's presence for the lifetime of the process.
type Advertiser interface {
	Start() error
	Stop()
}

// MDNSAdvertiser registers a zeroconf service with the room name and relay
// capability in TXT records.
type MDNSAdvertiser struct {
	instance string
	roomName string
	port     int

	server *zeroconf.Server
	logger *zap.Logger
}

func NewMDNS(instance, roomName string, port int, logger *zap.Logger) *MDNSAdvertiser {
	return &MDNSAdvertiser{
		instance: instance,
		roomName: roomName,
		port:     port,
		logger:   logger,
	}
}

func (a *MDNSAdvertiser) Start() error {
	txt := []string{"v=1", "room=" + a.roomName, "relay=1"}
	server, err := zeroconf.Register(a.instance, ServiceType, "local.", a.port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: register mdns service: %w", err)
	}
	a.server = server
	a.logger.Info("Advertising venue on mDNS",
		zap.String("instance", a.instance),
		zap.String("service", ServiceType),
		zap.Int("port", a.port),
	)
	return nil
}

func (a *MDNSAdvertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Noop is used when mDNS is disabled or unavailable on the interface.
type Noop struct{}

func (Noop) Start() error { return nil }
func (Noop) Stop()        {}
