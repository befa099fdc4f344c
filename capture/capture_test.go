package capture_test

import (
	"bytes"
	"strings"

	"debugproxy/capture"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tee", func() {
	It("forwards every byte while truncating the retained preview", func() {
		var dst bytes.Buffer
		src := strings.NewReader(strings.Repeat("a", 1024))

		n, summary, err := capture.Tee(&dst, src, "text/plain", 10, 1<<20)

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1024)))
		Expect(dst.Len()).To(Equal(1024))
		Expect(summary.Preview).To(Equal([]byte(strings.Repeat("a", 10))))
		Expect(summary.IsBinary).To(BeFalse())
	})

	It("aborts once the source exceeds the maximum size", func() {
		var dst bytes.Buffer
		src := strings.NewReader(strings.Repeat("b", 100))

		_, _, err := capture.Tee(&dst, src, "application/octet-stream", 10, 50)

		Expect(err).To(MatchError(capture.ErrBodyTooLarge))
	})

	It("classifies application/octet-stream as binary", func() {
		Expect(capture.IsTextual("application/octet-stream")).To(BeFalse())
	})

	It("classifies application/json as textual", func() {
		Expect(capture.IsTextual("application/json; charset=utf-8")).To(BeTrue())
	})

	It("normalizes the recorded content type to lowercase with no charset", func() {
		var dst bytes.Buffer
		src := strings.NewReader("{}")

		_, summary, err := capture.Tee(&dst, src, "Application/JSON; charset=UTF-8", 10, 1<<20)

		Expect(err).NotTo(HaveOccurred())
		Expect(summary.ContentType).To(Equal("application/json"))
	})
})
