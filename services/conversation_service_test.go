package services_test

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/database"
	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/services"
	"github.com/akinalp/threadline/store"
)

// sqliteStore opens a migrated SQLiteStore in a per-test temp dir.
func sqliteStore() *store.SQLiteStore {
	GinkgoHelper()

	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	Expect(err).NotTo(HaveOccurred())
	db, err := database.New(filepath.Join(GinkgoT().TempDir(), "services.db"), migrations, zerolog.Nop())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(db.Close)

	clk := clock.NewMock()
	clk.Set(base)
	return store.NewSQLiteStore(db.Conn, clk, zerolog.Nop())
}

var _ = Describe("ConversationService", func() {
	var (
		ctx context.Context
		st  *store.SQLiteStore
		svc services.ConversationService
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = sqliteStore()
		svc = services.NewConversationService(st, zerolog.Nop())
	})

	Describe("EnsureDirectMessage", func() {
		It("should derive the same thread from either side", func() {
			a, err := svc.EnsureDirectMessage(ctx, "u2", "u1")
			Expect(err).NotTo(HaveOccurred())
			b, err := svc.EnsureDirectMessage(ctx, "u1", "u2")
			Expect(err).NotTo(HaveOccurred())

			Expect(a.ID).To(Equal("u1-u2"))
			Expect(b.ID).To(Equal(a.ID))
			Expect(a.Members).To(Equal([]string{"u1", "u2"}))
		})

		It("should return the stored creation time on every call", func() {
			a, err := svc.EnsureDirectMessage(ctx, "u1", "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.CreatedAt).To(BeTemporally("==", base))

			b, err := svc.EnsureDirectMessage(ctx, "u2", "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.CreatedAt).To(BeTemporally("==", a.CreatedAt))
		})

		It("should create one document under concurrent callers", func() {
			var wg sync.WaitGroup
			for i := range 8 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					var err error
					if i%2 == 0 {
						_, err = svc.EnsureDirectMessage(ctx, "u1", "u2")
					} else {
						_, err = svc.EnsureDirectMessage(ctx, "u2", "u1")
					}
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			docs, err := store.GetAll(ctx, st, store.Query{Collection: "dms"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].ID).To(Equal("u1-u2"))
		})

		It("should support a thread with oneself", func() {
			dm, err := svc.EnsureDirectMessage(ctx, "u1", "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(dm.ID).To(Equal("u1-u1"))
			Expect(dm.Members).To(Equal([]string{"u1"}))
		})

		It("should fail fast on an empty id", func() {
			_, err := svc.EnsureDirectMessage(ctx, "u1", "")
			Expect(err).To(MatchError(pkg.ErrInvariant))
		})
	})

	Describe("Channels", func() {
		It("should stream created channels", func() {
			c := stream.Collect(svc.Channels())
			defer c.Stop()
			Eventually(c.Len).Should(BeNumerically(">=", 1))

			created, err := svc.CreateChannel(ctx, "  dev  ", []string{"u1", "u2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Name).To(Equal("dev"))
			Expect(created.CreatedAt).To(BeTemporally("==", base))

			Eventually(func() []string {
				list, _ := c.Last()
				names := []string{}
				for _, ch := range list {
					names = append(names, ch.Name)
				}
				return names
			}).Should(Equal([]string{"dev"}))

			list, _ := c.Last()
			Expect(list[0].Members).To(Equal([]string{"u1", "u2"}))
			Expect(list[0].CreatedAt).To(BeTemporally(">=", base))
		})

		It("should reject a channel without a name", func() {
			_, err := svc.CreateChannel(ctx, "   ", []string{"u1"})
			Expect(err).To(MatchError(pkg.ErrBadRequest))
		})
	})

	Describe("Users", func() {
		It("should stream the user directory", func() {
			Expect(st.WriteDocument(ctx, models.UserPath("u1"), models.User{DisplayName: "Ayşe"}.Fields(), false)).To(Succeed())

			c := stream.Collect(svc.Users())
			defer c.Stop()

			Eventually(func() []models.User {
				list, _ := c.Last()
				return list
			}).Should(Equal([]models.User{{ID: "u1", DisplayName: "Ayşe"}}))
		})
	})
})
