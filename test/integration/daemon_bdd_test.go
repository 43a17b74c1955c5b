//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/client"
	"github.com/eliteGoblin/rootd/internal/config"
	"github.com/eliteGoblin/rootd/internal/daemon"
	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/test/fixtures"
)

func requireRoot() {
	if os.Getuid() != 0 {
		Skip("requires root")
	}
}

var _ = Describe("Daemon", func() {
	var (
		device *fixtures.FakeDevice
		cfg    *config.Config
		d      *daemon.Daemon
		c      *client.Client
		cancel context.CancelFunc
		done   chan error
	)

	BeforeEach(func() {
		device = fixtures.NewFakeDevice(GinkgoT().TempDir())
		Expect(device.Create()).To(Succeed())

		cfg = config.Default()
		cfg.TmpDir = device.TmpDir()
		cfg.SecureDir = device.SecureDir()
		cfg.ModuleDir = device.ModuleDir()
		cfg.AppDataDir = device.AppDataDir()
		cfg.Shell = "/bin/sh"
		cfg.Log.File = device.LogFile()
		cfg.PostFsDataDeadline = config.Duration(5 * time.Second)
		Expect(config.Validate(cfg)).To(Succeed())

		var err error
		d, err = daemon.New(cfg, daemon.VersionInfo{Name: "27.0", Code: 27000}, daemon.Options{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- d.Run(ctx) }()
		Eventually(func() error {
			_, err := os.Stat(cfg.SocketPath())
			return err
		}, 5*time.Second, 20*time.Millisecond).Should(Succeed())

		c = client.New(cfg.SocketPath(), client.Options{}, zap.NewNop())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive())
		Expect(d.Close()).To(Succeed())
	})

	Describe("version requests", func() {
		It("answers any supported caller", func(ctx SpecContext) {
			v, err := c.Version(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("27.0:ROOTD:R"))

			code, err := c.VersionCode(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int32(27000)))
		})
	})

	Describe("permission checks", func() {
		It("refuses root-only requests from non-root callers", func(ctx SpecContext) {
			if os.Getuid() == 0 {
				Skip("requires a non-root caller")
			}
			_, err := c.Connect(ctx, domain.RequestPostFsData, false)
			Expect(err).To(MatchError(domain.ErrRootRequired))
		})
	})

	Describe("boot stages", func() {
		BeforeEach(func() {
			requireRoot()
			Expect(device.AddSystemScript(domain.StagePostFsData, "10-first")).To(Succeed())
			Expect(device.AddModule("alpha", domain.StagePostFsData, domain.StageService)).To(Succeed())
			Expect(device.AddModule("beta", domain.StagePostFsData)).To(Succeed())
			Expect(device.AddModule("gamma", domain.StagePostFsData)).To(Succeed())
			Expect(device.DisableModule("gamma")).To(Succeed())
		})

		It("holds the client until post-fs-data scripts finished in order", func(ctx SpecContext) {
			Expect(c.Notify(ctx, domain.RequestPostFsData)).To(Succeed())

			Expect(device.Order()).To(Equal([]string{
				"system:10-first",
				"module:alpha:post-fs-data",
				"module:beta:post-fs-data",
			}))
		})

		It("runs module service scripts after post-fs-data", func(ctx SpecContext) {
			Expect(c.Notify(ctx, domain.RequestPostFsData)).To(Succeed())
			Expect(c.Notify(ctx, domain.RequestLateStart)).To(Succeed())

			Eventually(device.Order, 5*time.Second).Should(ContainElement("module:alpha:service"))
		})

		It("resets the bootloop counter on boot complete", func(ctx SpecContext) {
			Expect(c.Notify(ctx, domain.RequestPostFsData)).To(Succeed())
			rows, err := c.SQLite(ctx, "SELECT value FROM settings WHERE key='bootloop'")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(Equal([]string{"value=1"}))

			Expect(c.Notify(ctx, domain.RequestBootComplete)).To(Succeed())
			Eventually(func() ([]string, error) {
				return c.SQLite(ctx, "SELECT value FROM settings WHERE key='bootloop'")
			}, 5*time.Second).Should(Equal([]string{"value=0"}))
		})
	})

	Describe("denylist", func() {
		BeforeEach(requireRoot)

		It("stores entries and reports enforcement", func(ctx SpecContext) {
			res, _, err := c.Denylist(ctx, domain.DenyAdd, "com.example.bank", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(domain.DenyOK))

			res, _, err = c.Denylist(ctx, domain.DenyAdd, "com.example.bank", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(domain.DenyItemExist))

			res, entries, err := c.Denylist(ctx, domain.DenyList)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(domain.DenyOK))
			Expect(entries).To(ConsistOf("com.example.bank|com.example.bank"))

			res, _, err = c.Denylist(ctx, domain.DenyStatus)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(domain.DenyNotEnforced))
		})
	})

	Describe("remove modules", func() {
		BeforeEach(requireRoot)

		It("deletes every module directory", func(ctx SpecContext) {
			Expect(device.AddModule("alpha")).To(Succeed())
			Expect(c.RemoveModules(ctx, false)).To(Succeed())
			Expect(device.ModuleExists("alpha")).To(BeFalse())
		})
	})

	Describe("stop", func() {
		BeforeEach(requireRoot)

		It("shuts the daemon down after answering", func(ctx SpecContext) {
			Expect(c.Stop(ctx)).To(Succeed())
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			done <- nil // let AfterEach drain it

			_, err := c.Version(ctx)
			Expect(err).To(MatchError(domain.ErrDaemonNotRunning))
		})
	})
})
