// Package adhoc announces this node to a registration server.
package adhoc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance  = 0x2001
	CpuInstance  = 0x2002
	CudaInstance = 0x2003
	RocmInstance = 0x2004

	TimeOutSeconds = 5
)

// InstanceClassOf maps the instanceClass config value to its wire constant.
func InstanceClassOf(name string) int {
	switch name {
	case "Dml":
		return DmlInstance
	case "Cuda":
		return CudaInstance
	case "Rocm":
		return RocmInstance
	default:
		return CpuInstance
	}
}

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	HTTPPort      int    `json:"httpPort"`
	InstanceClass int    `json:"instanceClass"`
	Backend       string `json:"backend"`
	Workers       int    `json:"workers"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Node describes what is advertised to the registration server.
type Node struct {
	IP            string
	RPCPort       int
	HTTPPort      int
	InstanceClass int
	Backend       string
	Workers       int
}

type Heartbeat struct {
	client   *resty.Client
	url      string
	id       string
	node     Node
	interval time.Duration
	log      *zap.Logger
}

// NewHeartbeat targets http://host:port/api/register.
func NewHeartbeat(host string, port int, node Node, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		url:      fmt.Sprintf("http://%s:%d/api/register", host, port),
		id:       uuid.NewString(),
		node:     node,
		interval: TimeOutSeconds * time.Second,
		log:      log,
	}
}

func (h *Heartbeat) ID() string { return h.id }

// SetInterval changes the period between two registrations.
func (h *Heartbeat) SetInterval(d time.Duration) { h.interval = d }

// Send registers once.
func (h *Heartbeat) Send(ctx context.Context) error {
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:            h.id,
			IP:            h.node.IP,
			Port:          h.node.RPCPort,
			HTTPPort:      h.node.HTTPPort,
			InstanceClass: h.node.InstanceClass,
			Backend:       h.node.Backend,
			Workers:       h.node.Workers,
			TimeStamp:     time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration of %s rejected", h.id)
	}
	return nil
}

// Run registers immediately and then once per interval until ctx is done.
// Failures are logged and retried on the next tick.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn("heartbeat failed", zap.String("url", h.url), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped", zap.String("id", h.id))
			return nil
		case <-ticker.C:
		}
	}
}

// GetOutboundIP returns the local address used to reach the internet. No
// packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
