package servicediscover

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"loyalty-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module registers the running instance with consul for the lifetime of
// the fx app. Registration is skipped when CONSUL_ADDR is not set.
var Module = fx.Module("servicediscover", fx.Invoke(register))

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
	Node      *snowflake.Node
}

func register(p Params) error {
	if p.Config.Consul.Addr == "" {
		return nil
	}

	consulCfg := api.DefaultConfig()
	consulCfg.Address = p.Config.Consul.Addr

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return fmt.Errorf("failed to create consul client: %w", err)
	}

	svc, err := serviceRegistration(p.Config, p.Node)
	if err != nil {
		return err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Logger.Info("registering service with consul",
				zap.String("service.id", svc.ID),
				zap.String("service.name", svc.Name),
			)
			return client.Agent().ServiceRegister(svc)
		},
		OnStop: func(ctx context.Context) error {
			return client.Agent().ServiceDeregister(svc.ID)
		},
	})

	return nil
}

func serviceRegistration(cfg *config.Config, node *snowflake.Node) (*api.AgentServiceRegistration, error) {
	addr := cfg.Consul.ServiceAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid service address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service port %q: %w", portStr, err)
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s", cfg.AppName, node.Generate()),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}
