package contour

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

const declarativeTree = `
endpoints:
  - name: docs
    connectionString: "amqp://h1"
    qos:
      prefetchCount: 8
    outgoing:
      - key: publish
        label: doc.published
        confirm: true
        persist: true
        timeout: 5s
      - key: archive
        label: doc.archived
        connectionString: "amqp://archive"
    incoming:
      - key: created
        label: doc.created
        react: DocHandler
        requiresAccept: true
      - key: deleted
        label: doc.deleted
        react: DocHandler
        qos:
          prefetchCount: 2
          prefetchSize: 1024
        parallelismLevel: 3
`

var _ = Describe("Configurator", func() {
	var (
		registry *Registry
		builder  *BusBuilder
		cfg      *Config
	)

	BeforeEach(func() {
		var err error
		cfg, err = ParseConfig([]byte(declarativeTree))
		Expect(err).NotTo(HaveOccurred())

		registry = NewRegistry()
		registry.RegisterInstance("DocHandler", CapabilityConsumer, &countingConsumer{})

		builder = NewBusBuilder(NewConnectionPool(newFakeDialer().dial))
	})

	AfterEach(func() {
		_ = builder.Pool().Close()
	})

	configure := func() *Bus {
		configurator := NewConfigurator(cfg, registry, nil)
		Expect(configurator.Configure("docs", builder)).To(Succeed())
		bus, err := builder.Build()
		Expect(err).NotTo(HaveOccurred())
		return bus
	}

	It("fails for an endpoint that is not declared", func() {
		configurator := NewConfigurator(cfg, registry, nil)

		err := configurator.Configure("nope", builder)
		Expect(err).To(BeAssignableToTypeOf(&ConfigurationError{}))
	})

	It("pinpoints the route whose consumer cannot be resolved", func() {
		cfg.Endpoints[0].Incoming[0].React = "Missing"

		configurator := NewConfigurator(cfg, registry, nil)
		err := configurator.Configure("docs", builder)

		var cerr *ConfigurationError
		Expect(errors.As(err, &cerr)).To(BeTrue())
		Expect(cerr.Endpoint).To(Equal("docs"))
		Expect(cerr.RouteKey).To(Equal("created"))

		var rerr *ResolutionError
		Expect(errors.As(err, &rerr)).To(BeTrue())
		Expect(errors.Is(rerr.Err, ErrUnknownName)).To(BeTrue())
	})

	It("pinpoints the route whose payload type is unknown", func() {
		cfg.Endpoints[0].Incoming[1].Type = "Doc"

		configurator := NewConfigurator(cfg, registry, nil)
		err := configurator.Configure("docs", builder)

		var cerr *ConfigurationError
		Expect(errors.As(err, &cerr)).To(BeTrue())
		Expect(cerr.RouteKey).To(Equal("deleted"))
	})

	It("resolves a declared payload type by simple name", func() {
		cfg.Endpoints[0].Incoming[1].Type = "Doc"
		schemas := NewSchemaRegistry()
		schemas.Register("docs.models.Doc")

		configurator := NewConfigurator(cfg, registry, schemas)
		Expect(configurator.Configure("docs", builder)).To(Succeed())

		bus, err := builder.Build()
		Expect(err).NotTo(HaveOccurred())
		receivers := bus.Endpoint("docs").Receivers()
		Expect(receivers[1].Options().PayloadSchema).To(Equal("docs.models.Doc"))
	})

	Describe("connection string precedence", func() {
		It("prefers the route's connection string over the endpoint's", func() {
			bus := configure()

			routes := bus.Endpoint("docs").Outgoing()
			Expect(routes[0].ConnectionString).To(Equal("amqp://h1"))
			Expect(routes[1].ConnectionString).To(Equal("amqp://archive"))
		})

		It("prefers the provider over both", func() {
			registry.RegisterInstance("per-label", CapabilityConnectionStringProvider,
				ConnectionStringProviderFunc(func(label MessageLabel) (string, bool) {
					if label == "doc.published" {
						return "amqp://provided", true
					}
					return "", false
				}))
			cfg.Endpoints[0].ConnectionStringProvider = "per-label"

			bus := configure()

			routes := bus.Endpoint("docs").Outgoing()
			Expect(routes[0].ConnectionString).To(Equal("amqp://provided"))
			Expect(routes[1].ConnectionString).To(Equal("amqp://archive"))
		})
	})

	Describe("QoS precedence", func() {
		It("applies route over endpoint over defaults, per field", func() {
			bus := configure()

			receivers := bus.Endpoint("docs").Receivers()

			// endpoint prefetch count, default size
			Expect(receivers[0].Options().PrefetchCount).To(Equal(8))
			Expect(receivers[0].Options().PrefetchSize).To(Equal(0))

			// route overrides both
			Expect(receivers[1].Options().PrefetchCount).To(Equal(2))
			Expect(receivers[1].Options().PrefetchSize).To(Equal(1024))
		})

		It("falls back to the listener default prefetch count", func() {
			cfg.Endpoints[0].QoS = nil

			bus := configure()

			receivers := bus.Endpoint("docs").Receivers()
			Expect(receivers[0].Options().PrefetchCount).To(Equal(DefaultPrefetchCount))
		})
	})

	It("applies route parallelism over the endpoint's", func() {
		endpointLevel := uint(2)
		cfg.Endpoints[0].ParallelismLevel = &endpointLevel

		bus := configure()

		receivers := bus.Endpoint("docs").Receivers()
		Expect(receivers[0].Options().ParallelismLevel).To(Equal(2))
		Expect(receivers[1].Options().ParallelismLevel).To(Equal(3))
	})

	It("carries request options onto the bus", func() {
		bus := configure()

		rc, err := bus.GetRequestConfig("docs", "publish")
		Expect(err).NotTo(HaveOccurred())
		Expect(rc.Persist).To(BeTrue())
		Expect(rc.Timeout).NotTo(BeNil())
		Expect(*rc.Timeout).To(Equal(5 * time.Second))
	})

	Describe("consumer lifestyles", func() {
		var calls int32

		BeforeEach(func() {
			calls = 0
			registry.Register("DocHandler", CapabilityConsumer, func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return &countingConsumer{}, nil
			})
		})

		It("invokes the factory at registration for Normal", func() {
			cfg.Endpoints[0].Incoming = cfg.Endpoints[0].Incoming[:1]
			cfg.Endpoints[0].Incoming[0].Lifestyle = LifestyleNormal

			configure()

			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		})

		It("does not invoke the factory at registration for Lazy", func() {
			cfg.Endpoints[0].Incoming = cfg.Endpoints[0].Incoming[:1]
			cfg.Endpoints[0].Incoming[0].Lifestyle = LifestyleLazy

			configure()
			Expect(atomic.LoadInt32(&calls)).To(BeZero())
		})

		It("rejects an unsupported lifestyle", func() {
			cfg.Endpoints[0].Incoming[0].Lifestyle = "Singleton"

			configurator := NewConfigurator(cfg, registry, nil)
			err := configurator.Configure("docs", builder)

			var cerr *ConfigurationError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.RouteKey).To(Equal("created"))
		})
	})

	Describe("dynamic outgoing routing", func() {
		BeforeEach(func() {
			yes := true
			cfg.Endpoints[0].Dynamic.Outgoing = &yes
			cfg.Endpoints[0].Outgoing = nil
		})

		It("resolves a route at publish time from the label", func() {
			bus := configure()

			route, err := bus.Endpoint("docs").ResolveRoute("doc.new")
			Expect(err).NotTo(HaveOccurred())
			Expect(route.Label).To(Equal(MessageLabel("doc.new")))
			Expect(route.ConnectionString).To(Equal("amqp://h1"))
		})

		It("refuses to resolve the catch-all label itself", func() {
			bus := configure()

			_, err := bus.Endpoint("docs").ResolveRoute(Any)
			Expect(errors.Cause(err)).To(MatchError(ErrNotFound))
		})
	})
})

var _ = Describe("Consumer lifestyles", func() {
	var (
		built int32
		calls int32
	)

	factory := func() (Consumer, error) {
		atomic.AddInt32(&built, 1)
		return ConsumerFunc(func(ctx context.Context, m *Message) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}), nil
	}

	BeforeEach(func() {
		atomic.StoreInt32(&built, 0)
		atomic.StoreInt32(&calls, 0)
	})

	It("Lazy builds once, on the first message", func() {
		consumer := newLazyConsumer(factory)
		Expect(atomic.LoadInt32(&built)).To(BeZero())

		m := &Message{Label: "l"}
		Expect(consumer.Handle(context.Background(), m)).To(Succeed())
		Expect(consumer.Handle(context.Background(), m)).To(Succeed())

		Expect(atomic.LoadInt32(&built)).To(Equal(int32(1)))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
	})

	It("Delegated builds for every message", func() {
		consumer := newDelegatedConsumer(factory)

		m := &Message{Label: "l"}
		Expect(consumer.Handle(context.Background(), m)).To(Succeed())
		Expect(consumer.Handle(context.Background(), m)).To(Succeed())

		Expect(atomic.LoadInt32(&built)).To(Equal(int32(2)))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
	})
})
