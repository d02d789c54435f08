package contour

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

const busTree = `
endpoints:
  - name: docs
    connectionString: "amqp://h1"
    outgoing:
      - key: publish
        label: doc.published
        persist: true
    incoming:
      - key: created
        label: doc.created
        react: DocHandler
  - name: billing
    connectionString: "amqp://h2"
    incoming:
      - key: invoiced
        label: invoice.raised
        react: InvoiceHandler
`

var _ = Describe("Bus", func() {
	var (
		dialer *fakeDialer
		bus    *Bus
	)

	BeforeEach(func() {
		cfg, err := ParseConfig([]byte(busTree))
		Expect(err).NotTo(HaveOccurred())

		registry := NewRegistry()
		registry.RegisterInstance("DocHandler", CapabilityConsumer, &countingConsumer{})
		registry.RegisterInstance("InvoiceHandler", CapabilityConsumer, &countingConsumer{})

		dialer = newFakeDialer()
		builder := NewBusBuilder(NewConnectionPool(dialer.dial))
		configurator := NewConfigurator(cfg, registry, nil)
		Expect(configurator.ConfigureAll(builder)).To(Succeed())

		bus, err = builder.Build()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = bus.Close()
	})

	It("enumerates endpoints in configuration order", func() {
		Expect(bus.Endpoints()).To(Equal([]string{"docs", "billing"}))
	})

	Describe("GetEvent", func() {
		It("finds an outgoing route by key", func() {
			label, err := bus.GetEvent("docs", "publish")
			Expect(err).NotTo(HaveOccurred())
			Expect(label).To(Equal(MessageLabel("doc.published")))
		})

		It("falls back to incoming routes", func() {
			label, err := bus.GetEvent("docs", "created")
			Expect(err).NotTo(HaveOccurred())
			Expect(label).To(Equal(MessageLabel("doc.created")))
		})

		It("fails for an unknown key", func() {
			_, err := bus.GetEvent("docs", "nope")
			Expect(errors.Cause(err)).To(MatchError(ErrNotFound))
		})

		It("fails for an unknown endpoint", func() {
			_, err := bus.GetEvent("nope", "publish")
			Expect(errors.Cause(err)).To(MatchError(ErrNotFound))
		})
	})

	Describe("GetRequestConfig", func() {
		It("searches outgoing routes only", func() {
			rc, err := bus.GetRequestConfig("docs", "publish")
			Expect(err).NotTo(HaveOccurred())
			Expect(rc.Persist).To(BeTrue())

			_, err = bus.GetRequestConfig("docs", "created")
			Expect(errors.Cause(err)).To(MatchError(ErrNotFound))
		})
	})

	It("starts and stops all receivers", func() {
		Expect(bus.Start(context.Background())).To(Succeed())

		for _, name := range bus.Endpoints() {
			for _, r := range bus.Endpoint(name).Receivers() {
				Expect(r.IsStarted()).To(BeTrue())
			}
		}
		Expect(dialer.dialCount()).To(Equal(2))

		Expect(bus.Stop()).To(Succeed())

		for _, name := range bus.Endpoints() {
			for _, r := range bus.Endpoint(name).Receivers() {
				Expect(r.IsStarted()).To(BeFalse())
				Expect(r.Listeners()).To(BeEmpty())
			}
		}
	})

	It("routes CanHandle through the receivers", func() {
		Expect(bus.CanHandle("doc.created")).To(BeTrue())
		Expect(bus.CanHandle("invoice.raised")).To(BeTrue())
		Expect(bus.CanHandle("doc.rejected")).To(BeFalse())
	})
})

var _ = Describe("Co-located subscriptions", func() {
	const colocatedTree = `
endpoints:
  - name: docs
    connectionString: "amqp://h1"
    incoming:
      - key: created
        label: doc.created
        react: DocHandler
        parallelismLevel: 2
  - name: audit
    connectionString: "amqp://h1"
    incoming:
      - key: created
        label: doc.created
        react: AuditHandler
        parallelismLevel: 4
`

	It("refuses to start listeners disagreeing on parallelism", func() {
		cfg, err := ParseConfig([]byte(colocatedTree))
		Expect(err).NotTo(HaveOccurred())

		registry := NewRegistry()
		registry.RegisterInstance("DocHandler", CapabilityConsumer, &countingConsumer{})
		registry.RegisterInstance("AuditHandler", CapabilityConsumer, &countingConsumer{})

		builder := NewBusBuilder(NewConnectionPool(newFakeDialer().dial))
		defer builder.Pool().Close()
		Expect(NewConfigurator(cfg, registry, nil).ConfigureAll(builder)).To(Succeed())

		bus, err := builder.Build()
		Expect(err).NotTo(HaveOccurred())
		defer bus.Stop()

		err = bus.Start(context.Background())
		Expect(err).To(HaveOccurred())

		var cerr *ConfigurationError
		Expect(errors.As(err, &cerr)).To(BeTrue())
	})
})

var _ = Describe("MessageLabel", func() {
	It("normalizes on construction", func() {
		Expect(NewLabel("  Doc.Created ")).To(Equal(MessageLabel("doc.created")))
	})

	It("recognizes the catch-all label", func() {
		Expect(Any.IsAny()).To(BeTrue())
		Expect(MessageLabel("doc.created").IsAny()).To(BeFalse())
	})

	It("recognizes aliases", func() {
		l := MessageLabel(":created")
		Expect(l.IsAlias()).To(BeTrue())
		Expect(l.Alias()).To(Equal("created"))
		Expect(MessageLabel("doc.created").IsAlias()).To(BeFalse())
	})
})

var _ = Describe("Config parsing", func() {
	It("parses durations from Go duration strings", func() {
		cfg, err := ParseConfig([]byte(`
endpoints:
  - name: e
    connectionString: "amqp://h1"
    faultQueueTtl: 15m
    outgoing:
      - key: k
        label: l
        ttl: 30s
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Endpoints[0].FaultQueueTTL.Std().Minutes()).To(Equal(15.0))
		Expect(cfg.Endpoints[0].Outgoing[0].TTL.Std().Seconds()).To(Equal(30.0))
	})

	It("rejects endpoints without a name", func() {
		_, err := ParseConfig([]byte("endpoints:\n  - connectionString: \"amqp://h1\"\n"))
		Expect(err).To(HaveOccurred())
	})

	It("splits comma-separated connection strings", func() {
		Expect(parseURLs("amqp://h1, amqp://h2,,")).To(Equal([]string{"amqp://h1", "amqp://h2"}))
	})
})
