package supervisor_test

import (
	"context"
	"log"
	"net"
	"os"
	"time"

	"debugproxy/supervisor"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Supervisor", func() {
	var logger *log.Logger

	BeforeEach(func() {
		logger = log.New(os.Stderr, "", 0)
	})

	Describe("with no managed command", func() {
		It("is immediately Absent and always ready", func() {
			sub := supervisor.New(nil, "", logger, nil)
			Expect(sub.Snapshot().State).To(Equal(supervisor.StateAbsent))
			Expect(sub.Ready()).To(BeTrue())

			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			Expect(sub.AwaitReady(ctx)).To(BeTrue())
		})

		It("stops cleanly", func() {
			sub := supervisor.New(nil, "", logger, nil)
			done := make(chan struct{})
			go func() {
				sub.Run()
				close(done)
			}()
			sub.Stop()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("with a managed command", func() {
		It("becomes ready once the child's port is reachable", func() {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer listener.Close()

			sub := supervisor.New([]string{"sleep", "5"}, listener.Addr().String(), logger, nil)
			go sub.Run()
			defer sub.Stop()

			Eventually(sub.Ready, "2s", "20ms").Should(BeTrue())
			Expect(sub.Snapshot().State).To(Equal(supervisor.StateReady))
		})
	})
})
