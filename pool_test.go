package contour

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("ConnectionPool", func() {
	var (
		dialer *fakeDialer
		pool   *ConnectionPool
	)

	BeforeEach(func() {
		dialer = newFakeDialer()
		pool = NewConnectionPool(dialer.dial)
	})

	AfterEach(func() {
		_ = pool.Close()
	})

	Context("with reuse enabled", func() {
		It("hands out the same connection for the same URL", func() {
			first, err := pool.Get(context.Background(), "amqp://h1", true)
			Expect(err).NotTo(HaveOccurred())

			second, err := pool.Get(context.Background(), "amqp://h1", true)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).To(Equal(first.ID))
			Expect(dialer.dialCount()).To(Equal(1))
		})

		It("opens one connection per URL", func() {
			first, err := pool.Get(context.Background(), "amqp://h1", true)
			Expect(err).NotTo(HaveOccurred())

			second, err := pool.Get(context.Background(), "amqp://h2", true)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(dialer.dialCount()).To(Equal(2))
		})

		It("collapses concurrent opens into a single dial", func() {
			dialer.block = make(chan struct{})

			var wg sync.WaitGroup
			ids := make(chan string, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := pool.Get(context.Background(), "amqp://h1", true)
					Expect(err).NotTo(HaveOccurred())
					ids <- c.ID
				}()
			}

			close(dialer.block)
			wg.Wait()
			close(ids)

			first := <-ids
			for id := range ids {
				Expect(id).To(Equal(first))
			}
			Expect(dialer.dialCount()).To(Equal(1))
		})
	})

	Context("with reuse disabled", func() {
		It("opens a fresh connection per request", func() {
			first, err := pool.Get(context.Background(), "amqp://h1", false)
			Expect(err).NotTo(HaveOccurred())

			second, err := pool.Get(context.Background(), "amqp://h1", false)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(dialer.dialCount()).To(Equal(2))
		})

		It("destroys the connection on release", func() {
			c, err := pool.Get(context.Background(), "amqp://h1", false)
			Expect(err).NotTo(HaveOccurred())

			pool.Release(c)

			Expect(dialer.lastConn().isClosed()).To(BeTrue())
			Eventually(c.Done()).Should(BeClosed())
		})
	})

	It("keeps shared connections alive across release", func() {
		c, err := pool.Get(context.Background(), "amqp://h1", true)
		Expect(err).NotTo(HaveOccurred())

		pool.Release(c)

		again, err := pool.Get(context.Background(), "amqp://h1", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.ID).To(Equal(c.ID))
		Expect(dialer.dialCount()).To(Equal(1))
	})

	It("cancels a pending open", func() {
		dialer.block = make(chan struct{})
		defer close(dialer.block)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := pool.Get(ctx, "amqp://h1", false)
			done <- err
		}()

		cancel()

		var err error
		Eventually(done).Should(Receive(&err))
		Expect(errors.Cause(err)).To(MatchError(ErrCanceled))
	})

	It("reports an unreachable broker", func() {
		dialer.err = errors.New("connection refused")

		_, err := pool.Get(context.Background(), "amqp://down", false)
		Expect(errors.Cause(err)).To(MatchError(ErrBrokerUnreachable))
	})

	It("refuses to hand out connections once closed", func() {
		Expect(pool.Close()).To(Succeed())

		_, err := pool.Get(context.Background(), "amqp://h1", true)
		Expect(err).To(MatchError(ErrShutdown))
	})

	It("cancels connection tokens on close", func() {
		c, err := pool.Get(context.Background(), "amqp://h1", true)
		Expect(err).NotTo(HaveOccurred())

		Expect(pool.Close()).To(Succeed())

		Eventually(c.Done()).Should(BeClosed())
		Expect(dialer.lastConn().isClosed()).To(BeTrue())
	})
})
