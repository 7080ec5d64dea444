// Package discovery advertises each simulated device over mDNS/DNS-SD.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"device-simulator/internal/config"
	"device-simulator/internal/logging"
	"device-simulator/internal/schema"
)

// maxTXTValue keeps a single TXT string under the 255 byte limit.
const maxTXTValue = 200

type service interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (service, error)

func zeroconfRegister(instance, svc, domain string, port int, txt []string, ifaces []net.Interface) (service, error) {
	return zeroconf.Register(instance, svc, domain, port, txt, ifaces)
}

// Advertiser registers one service instance per device type.
type Advertiser struct {
	cfg      config.MDNSConfig
	log      *logging.Logger
	register registerFunc

	mu       sync.Mutex
	services map[int]service
}

func NewAdvertiser(cfg config.MDNSConfig, log *logging.Logger) *Advertiser {
	if log == nil {
		log = logging.Discard()
	}
	return &Advertiser{
		cfg:      cfg,
		log:      log,
		register: zeroconfRegister,
		services: make(map[int]service),
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.log.Warn("mdns interface not found, using all", "interface", a.cfg.Interface, "error", err)
		return nil
	}
	return []net.Interface{*iface}
}

// TXT builds the TXT records for dt.
func TXT(dt *schema.DeviceType) []string {
	vars := strings.Join(dt.VariableNames(), ",")
	if len(vars) > maxTXTValue {
		vars = vars[:maxTXTValue]
	}
	return []string{
		"name=" + dt.Name,
		"port=" + strconv.Itoa(dt.Port),
		"vars=" + vars,
	}
}

// Advertise registers every device type. Already advertised ports are
// re-registered.
func (a *Advertiser) Advertise(types []*schema.DeviceType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ifaces := a.interfaces()
	for _, dt := range types {
		if old, ok := a.services[dt.Port]; ok {
			old.Shutdown()
			delete(a.services, dt.Port)
		}
		svc, err := a.register(dt.Name, a.cfg.Service, a.cfg.Domain, dt.Port, TXT(dt), ifaces)
		if err != nil {
			return fmt.Errorf("register %s: %w", dt, err)
		}
		a.services[dt.Port] = svc
		a.log.Info("mdns service registered", "device", dt.Name, "port", dt.Port, "service", a.cfg.Service)
	}
	return nil
}

// Len reports the number of active registrations.
func (a *Advertiser) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.services)
}

// StopAll shuts every registration down.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, svc := range a.services {
		svc.Shutdown()
		delete(a.services, port)
	}
}
