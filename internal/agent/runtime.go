package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/pkg/logger"
)

// Service 是一个可被寻址的逻辑服务。
type Service interface {
	// Name 是服务在地址簿中的名字。
	Name() string
	// Install 在节点上注册消息处理器。
	Install(node *messaging.Node)
}

// Registrar 把服务地址写入地址簿。
type Registrar interface {
	Register(ctx context.Context, name, address string) error
}

// Runtime 负责在同一个传输层上启动多个服务。
type Runtime struct {
	transport messaging.Transport
	registrar Registrar
	seed      string
	logger    *slog.Logger
	nodeOpts  []messaging.NodeOption

	mu    sync.Mutex
	nodes map[string]*messaging.Node
}

// Option 定义可选配置。
type Option func(*Runtime)

// WithSeed 设置派生地址时使用的种子后缀。
func WithSeed(seed string) Option {
	return func(r *Runtime) { r.seed = seed }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithNodeOptions 透传给每个节点的配置。
func WithNodeOptions(opts ...messaging.NodeOption) Option {
	return func(r *Runtime) { r.nodeOpts = append(r.nodeOpts, opts...) }
}

// NewRuntime 创建运行时。
func NewRuntime(transport messaging.Transport, registrar Registrar, opts ...Option) *Runtime {
	r := &Runtime{
		transport: transport,
		registrar: registrar,
		seed:      "secret_seed_phrase",
		nodes:     make(map[string]*messaging.Node),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("agent")
	}
	return r
}

// AddressOf 返回服务名对应的稳定地址。
func (r *Runtime) AddressOf(name string) string {
	return messaging.DeriveAddress("martian_" + name + "_" + r.seed)
}

// Start 启动单个服务。先订阅再登记地址，登记完成时服务已经可以接收消息。
func (r *Runtime) Start(ctx context.Context, svc Service) (*messaging.Node, error) {
	name := svc.Name()
	r.mu.Lock()
	if _, exists := r.nodes[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("服务 %s 已启动", name)
	}
	r.mu.Unlock()

	address := r.AddressOf(name)
	node := messaging.NewNode(address, r.transport, append([]messaging.NodeOption{
		messaging.WithNodeLogger(r.logger.With(slog.String("service", name), slog.String("address", address))),
	}, r.nodeOpts...)...)
	svc.Install(node)
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	if err := r.registrar.Register(ctx, name, address); err != nil {
		return nil, fmt.Errorf("登记服务 %s 失败: %w", name, err)
	}

	r.mu.Lock()
	r.nodes[name] = node
	r.mu.Unlock()
	r.logger.Info("服务已启动", slog.String("service", name), slog.String("address", address))
	return node, nil
}

// Run 并发启动所有服务，并阻塞到 ctx 结束。
func (r *Runtime) Run(ctx context.Context, services ...Service) error {
	// 节点生命周期跟随 ctx，不能使用 errgroup 派生的 context。
	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			_, err := r.Start(ctx, svc)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	<-ctx.Done()
	r.Wait()
	return nil
}

// Node 返回已启动服务的节点。
func (r *Runtime) Node(name string) (*messaging.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Wait 等待所有节点上正在执行的处理器结束。
func (r *Runtime) Wait() {
	r.mu.Lock()
	nodes := make([]*messaging.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.Unlock()
	for _, n := range nodes {
		n.Wait()
	}
}
