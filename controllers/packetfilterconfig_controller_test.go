package controllers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
)

type syncCall struct {
	name     string
	isDelete bool
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	err   error
}

func (f *fakeSyncer) SyncConfig(cfg *pfv1alpha1.PacketFilterConfig, isDelete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := syncCall{isDelete: isDelete}
	if cfg != nil {
		c.name = cfg.Name
	}
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeSyncer) Calls() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.calls...)
}

func writeConfig(path, name string) {
	data := "apiVersion: packetfilter.openshift.io/v1alpha1\nkind: PacketFilterConfig\nmetadata:\n  name: " + name + "\nspec:\n  defaultPolicy: block\n"
	Expect(os.WriteFile(path, []byte(data), 0o600)).To(Succeed())
}

var _ = Describe("PacketFilterConfig controller", func() {
	var (
		dir  string
		path string
		fake *fakeSyncer
		r    *PacketFilterConfigReconciler
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "pfconfig")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(dir, "pf.yaml")
		fake = &fakeSyncer{}
		r = &PacketFilterConfigReconciler{
			Path:     path,
			Log:      logf.Log.WithName("controllers").WithName("PacketFilterConfig"),
			Syncer:   fake,
			Debounce: 10 * time.Millisecond,
		}
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("loads an existing configuration", func() {
		writeConfig(path, "gateway")
		Expect(r.Reconcile(context.Background())).To(Succeed())
		Expect(fake.Calls()).To(Equal([]syncCall{{name: "gateway"}}))
	})

	It("flushes the tables when the file is missing", func() {
		Expect(r.Reconcile(context.Background())).To(Succeed())
		Expect(fake.Calls()).To(Equal([]syncCall{{isDelete: true}}))
	})

	It("does not sync an undecodable file", func() {
		Expect(os.WriteFile(path, []byte("spec: [unterminated"), 0o600)).To(Succeed())
		Expect(r.Reconcile(context.Background())).NotTo(Succeed())
		Expect(fake.Calls()).To(BeEmpty())
	})

	It("wraps sync failures", func() {
		writeConfig(path, "gateway")
		fake.err = errors.New("boom")
		err := r.Reconcile(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("FailedToSyncPacketFilterConfig"))
		Expect(errors.Is(err, fake.err)).To(BeTrue())
	})

	It("reloads after the file changes", func() {
		writeConfig(path, "first")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- r.Run(ctx)
		}()

		Eventually(fake.Calls).Should(HaveLen(1))
		writeConfig(path, "second")
		Eventually(func() []syncCall {
			calls := fake.Calls()
			if len(calls) == 0 {
				return nil
			}
			return calls[len(calls)-1:]
		}, 5*time.Second).Should(Equal([]syncCall{{name: "second"}}))

		Expect(os.Remove(path)).To(Succeed())
		Eventually(func() bool {
			calls := fake.Calls()
			return calls[len(calls)-1].isDelete
		}, 5*time.Second).Should(BeTrue())

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
