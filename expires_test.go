package contour

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Expires", func() {
	It("parses a relative expiration", func() {
		e, err := ParseExpires("in 15")
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Period).NotTo(BeNil())
		Expect(*e.Period).To(Equal(int64(15)))
		Expect(e.Date).To(BeNil())
	})

	It("parses an absolute expiration as UTC", func() {
		e, err := ParseExpires("at 2014-05-06T03:08:09")
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Date).NotTo(BeNil())
		Expect(*e.Date).To(Equal(time.Date(2014, 5, 6, 3, 8, 9, 0, time.UTC)))
	})

	It("rejects a datetime split by a space", func() {
		_, err := ParseExpires("at 2014-05-06 03:08:09")
		Expect(errors.Cause(err)).To(MatchError(ErrExpiresArgument))
	})

	It("rejects an unknown prefix", func() {
		_, err := ParseExpires("on 2014-05-06T03:08:09")
		Expect(errors.Cause(err)).To(MatchError(ErrExpiresArgument))
	})

	It("rejects trailing garbage after the period", func() {
		_, err := ParseExpires("in 15x")
		Expect(errors.Cause(err)).To(MatchError(ErrExpiresFormat))
	})

	It("rejects a malformed datetime", func() {
		_, err := ParseExpires("at 2014-13-40T99:00:00")
		Expect(errors.Cause(err)).To(MatchError(ErrExpiresFormat))
	})

	It("rejects a negative period", func() {
		_, err := ParseExpires("in -5")
		Expect(errors.Cause(err)).To(MatchError(ErrExpiresFormat))
	})

	Describe("round-trip", func() {
		It("preserves the relative variant", func() {
			original := ExpiresIn(90)

			parsed, err := ParseExpires(original.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed).To(Equal(original))
		})

		It("preserves the absolute variant modulo UTC normalization", func() {
			loc := time.FixedZone("UTC+3", 3*60*60)
			original := ExpiresAt(time.Date(2014, 5, 6, 6, 8, 9, 0, loc))

			parsed, err := ParseExpires(original.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.Date).NotTo(BeNil())
			Expect(*parsed.Date).To(Equal(time.Date(2014, 5, 6, 3, 8, 9, 0, time.UTC)))
		})
	})
})
