// Package monitor is the btmon HTTP daemon: a read-mostly view of the
// configured devices over BlueZ D-Bus, with token-guarded connect and
// disconnect actions for remote setups.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/okempf/btkit/internal/auth"
	"github.com/okempf/btkit/internal/bluez"
	"github.com/okempf/btkit/internal/config"
	"github.com/okempf/btkit/internal/observability"
)

var (
	ErrDeviceNotFound = errors.New("monitor: device not found")
	ErrActionNotFound = errors.New("monitor: action not found")
)

// DeviceClient is the BlueZ surface the monitor needs. *bluez.Client
// satisfies it.
type DeviceClient interface {
	Status(addr string) (bluez.DeviceStatus, error)
	Connect(addr string) error
	Disconnect(addr string) error
}

// Service serves device state and actions over HTTP.
type Service struct {
	Devices []config.Device
	Client  DeviceClient
	Auth    auth.Validator

	router  *gin.Engine
	started time.Time
}

func New(cfg config.Monitor, devices []config.Device, client DeviceClient) *Service {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	var validator auth.Validator
	if strings.TrimSpace(cfg.AuthToken) != "" {
		validator = auth.StaticToken{Token: cfg.AuthToken}
	}

	s := &Service{
		Devices: devices,
		Client:  client,
		Auth:    validator,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router exposes the gin engine, mainly for tests.
func (s *Service) Router() *gin.Engine { return s.router }

func (s *Service) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "btmon",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"devices": s.listDevices()})
	})

	s.router.POST("/devices/:name/actions/:action", auth.Middleware(s.Auth), func(c *gin.Context) {
		name := c.Param("name")
		action := c.Param("action")

		st, err := s.ExecuteAction(name, action)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrActionNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "device": st})
	})
}

// DeviceView is one configured device with its live state.
type DeviceView struct {
	Name    string             `json:"name"`
	Address string             `json:"address"`
	State   bluez.DeviceStatus `json:"state"`
	Error   string             `json:"error,omitempty"`
}

func (s *Service) listDevices() []DeviceView {
	views := make([]DeviceView, 0, len(s.Devices))
	for _, d := range s.Devices {
		view := DeviceView{Name: d.Name, Address: d.Address}
		st, err := s.Client.Status(d.Address)
		if err != nil {
			view.Error = err.Error()
		} else {
			view.State = st
		}
		views = append(views, view)
	}
	return views
}

// ExecuteAction runs connect or disconnect for a configured device and
// returns the refreshed state.
func (s *Service) ExecuteAction(name, action string) (bluez.DeviceStatus, error) {
	device, ok := s.lookup(name)
	if !ok {
		return bluez.DeviceStatus{}, ErrDeviceNotFound
	}

	start := time.Now()
	var err error
	switch action {
	case "connect":
		err = s.Client.Connect(device.Address)
	case "disconnect":
		err = s.Client.Disconnect(device.Address)
	default:
		return bluez.DeviceStatus{}, ErrActionNotFound
	}
	observability.RecordDeviceAction(device.Name, action, time.Since(start), err == nil)

	if err != nil {
		log.Error().Str("device", device.Name).Str("action", action).Err(err).Msg("device action failed")
		return bluez.DeviceStatus{}, err
	}
	log.Info().Str("device", device.Name).Str("action", action).Msg("device action executed")

	st, stErr := s.Client.Status(device.Address)
	if stErr != nil {
		return bluez.DeviceStatus{Address: device.Address}, nil
	}
	return st, nil
}

func (s *Service) lookup(name string) (config.Device, bool) {
	for _, d := range s.Devices {
		if strings.EqualFold(d.Name, name) || d.Address == name {
			return d, true
		}
	}
	return config.Device{}, false
}

// WatchSignals logs connection-state flips for configured devices. It
// returns when the channel closes.
func (s *Service) WatchSignals(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		if sig.Name != bluez.PropertiesChangedSignal || len(sig.Body) < 2 {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		connVar, ok := changed["Connected"]
		if !ok {
			continue
		}
		connected, ok := connVar.Value().(bool)
		if !ok {
			continue
		}
		addr := bluez.AddressFromPath(sig.Path)
		if addr == "" {
			continue
		}
		if _, known := s.lookup(addr); !known {
			continue
		}
		log.Info().Str("device", addr).Bool("connected", connected).Msg("device connection changed")
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Info().Str("addr", addr).Msg("btmon listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
