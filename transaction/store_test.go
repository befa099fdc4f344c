package transaction_test

import (
	"debugproxy/transaction"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	var subject *transaction.Store

	BeforeEach(func() {
		subject = transaction.NewStore(2)
	})

	Describe("Begin/Complete", func() {
		It("records a terminal transaction with a matching response ID", func() {
			h := subject.Begin(transaction.RequestRecord{Method: "GET", Path: "/x"})
			subject.Complete(h, transaction.ResponseRecord{Status: 200})

			snap := subject.Snapshot()
			Expect(snap).To(HaveLen(1))
			Expect(snap[0].Response.Status).To(Equal(200))
			Expect(snap[0].Response.ID).To(Equal(snap[0].Request.ID))
		})

		It("is idempotent", func() {
			h := subject.Begin(transaction.RequestRecord{})
			subject.Complete(h, transaction.ResponseRecord{Status: 200})
			subject.Complete(h, transaction.ResponseRecord{Status: 500})

			Expect(subject.Snapshot()[0].Response.Status).To(Equal(200))
		})
	})

	Describe("eviction", func() {
		It("never evicts an in-flight entry even over capacity", func() {
			subject.Begin(transaction.RequestRecord{Path: "/1"}) // stays in-flight
			h2 := subject.Begin(transaction.RequestRecord{Path: "/2"})
			h3 := subject.Begin(transaction.RequestRecord{Path: "/3"})
			subject.Complete(h2, transaction.ResponseRecord{Status: 200})
			subject.Complete(h3, transaction.ResponseRecord{Status: 200})

			Expect(subject.Len()).To(Equal(3))
		})

		It("evicts the oldest terminal entry once capacity is exceeded", func() {
			h1 := subject.Begin(transaction.RequestRecord{Path: "/1"})
			h2 := subject.Begin(transaction.RequestRecord{Path: "/2"})
			h3 := subject.Begin(transaction.RequestRecord{Path: "/3"})
			subject.Complete(h1, transaction.ResponseRecord{Status: 200})
			subject.Complete(h2, transaction.ResponseRecord{Status: 200})
			subject.Complete(h3, transaction.ResponseRecord{Status: 200})

			snap := subject.Snapshot()
			Expect(snap).To(HaveLen(2))
			Expect(snap[0].Request.Path).To(Equal("/3"))
			Expect(snap[1].Request.Path).To(Equal("/2"))
		})
	})

	Describe("Clear", func() {
		It("removes terminal entries but leaves in-flight ones completable", func() {
			inFlight := subject.Begin(transaction.RequestRecord{Path: "/pending"})
			done := subject.Begin(transaction.RequestRecord{Path: "/done"})
			subject.Complete(done, transaction.ResponseRecord{Status: 200})

			removed := subject.Clear()
			Expect(removed).To(Equal(1))
			Expect(subject.Len()).To(Equal(1))

			subject.Complete(inFlight, transaction.ResponseRecord{Status: 201})
			Expect(subject.Snapshot()[0].Response.Status).To(Equal(201))
		})
	})

	Describe("Resize", func() {
		It("evicts down to the new capacity immediately", func() {
			for _, p := range []string{"/1", "/2", "/3"} {
				h := subject.Begin(transaction.RequestRecord{Path: p})
				subject.Complete(h, transaction.ResponseRecord{Status: 200})
			}
			subject.Resize(1)
			Expect(subject.Len()).To(Equal(1))
		})
	})
})
