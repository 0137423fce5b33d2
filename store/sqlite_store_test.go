package store_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/store"
)

var _ = Describe("SQLiteStore", func() {
	var (
		ctx context.Context
		clk *clock.Mock
		s   *store.SQLiteStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.NewMock()
		clk.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
		s = store.NewSQLiteStore(openDB().Conn, clk, zerolog.Nop())
	})

	Describe("documents", func() {
		It("should emit a missing document, then the written one", func() {
			c := stream.Collect(s.SubscribeDocument("users/u1"))
			defer c.Stop()

			Expect(c.Len()).To(Equal(1))
			first, _ := c.Last()
			Expect(first.Exists()).To(BeFalse())
			Expect(first.Err).NotTo(HaveOccurred())

			Expect(s.WriteDocument(ctx, "users/u1", store.Fields{"name": "Ayşe"}, false)).To(Succeed())

			Expect(c.Len()).To(Equal(2))
			last, _ := c.Last()
			Expect(last.Exists()).To(BeTrue())
			Expect(last.Doc.ID).To(Equal("u1"))
			Expect(last.Doc.Fields["name"]).To(Equal("Ayşe"))
		})

		It("should merge fields when asked to", func() {
			Expect(s.WriteDocument(ctx, "users/u1", store.Fields{"name": "Ayşe", "tz": "UTC"}, false)).To(Succeed())
			Expect(s.WriteDocument(ctx, "users/u1", store.Fields{"name": "Ayşe K."}, true)).To(Succeed())

			d, err := store.Get(ctx, s, "users/u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Fields).To(Equal(store.Fields{"name": "Ayşe K.", "tz": "UTC"}))
		})

		It("should replace fields without merge", func() {
			Expect(s.WriteDocument(ctx, "users/u1", store.Fields{"name": "Ayşe", "tz": "UTC"}, false)).To(Succeed())
			Expect(s.WriteDocument(ctx, "users/u1", store.Fields{"name": "Bora"}, false)).To(Succeed())

			d, err := store.Get(ctx, s, "users/u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Fields).To(Equal(store.Fields{"name": "Bora"}))
		})

		It("should report a missing document as not found", func() {
			_, err := store.Get(ctx, s, "users/nobody")
			Expect(err).To(MatchError(pkg.ErrNotFound))
		})

		It("should surface a bad path as a snapshot error", func() {
			c := stream.Collect(s.SubscribeDocument("users"))
			snap, ok := c.Last()
			Expect(ok).To(BeTrue())
			Expect(snap.Err).To(MatchError(pkg.ErrBadRequest))
		})
	})

	Describe("server timestamps", func() {
		It("should resolve to strictly increasing times even when the clock stands still", func() {
			Expect(s.WriteDocument(ctx, "dms/a-b/reads/a", store.Fields{"lastReadAt": store.ServerTimestamp}, true)).To(Succeed())
			first, err := store.Get(ctx, s, "dms/a-b/reads/a")
			Expect(err).NotTo(HaveOccurred())

			Expect(s.WriteDocument(ctx, "dms/a-b/reads/a", store.Fields{"lastReadAt": store.ServerTimestamp}, true)).To(Succeed())
			second, err := store.Get(ctx, s, "dms/a-b/reads/a")
			Expect(err).NotTo(HaveOccurred())

			t1 := first.Fields["lastReadAt"].(time.Time)
			t2 := second.Fields["lastReadAt"].(time.Time)
			Expect(t1.Equal(clk.Now())).To(BeTrue())
			Expect(t2.After(t1)).To(BeTrue())
		})
	})

	Describe("queries", func() {
		It("should re-run on every append to the collection", func() {
			q := store.Query{Collection: "channels/c1/messages"}.Order("createdAt", store.Asc).Take(100)
			c := stream.Collect(s.SubscribeQuery(q))
			defer c.Stop()

			for _, author := range []string{"a", "b", "b"} {
				_, err := s.AppendDocument(ctx, "channels/c1/messages", store.Fields{
					"authorId":  author,
					"createdAt": store.ServerTimestamp,
				})
				Expect(err).NotTo(HaveOccurred())
				clk.Add(time.Second)
			}

			// an unrelated collection does not wake the query
			_, err := s.AppendDocument(ctx, "channels/c2/messages", store.Fields{"authorId": "a", "createdAt": store.ServerTimestamp})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Len()).To(Equal(4))
			last, _ := c.Last()
			Expect(last.Err).NotTo(HaveOccurred())
			Expect(last.Docs).To(HaveLen(3))
			Expect(last.Docs[0].Fields["authorId"]).To(Equal("a"))
		})

		It("should stop watching after unsubscribe", func() {
			sub := s.SubscribeQuery(store.Query{Collection: "channels"}).Subscribe(func(store.QuerySnapshot) {})
			Expect(s.Watchers()).To(Equal(1))

			sub.Unsubscribe()
			Expect(s.Watchers()).To(BeZero())
		})
	})

	Describe("CreateDocument", func() {
		It("should create once under concurrent callers", func() {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					ok, err := s.CreateDocument(ctx, "dms/a-b", store.Fields{"members": []string{"a", "b"}})
					Expect(err).NotTo(HaveOccurred())
					if ok {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(created).To(Equal(1))
			docs, err := store.GetAll(ctx, s, store.Query{Collection: "dms"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
		})
	})

	Describe("with a Redis relay", func() {
		var (
			mr    *miniredis.Miniredis
			other *store.SQLiteStore
		)

		BeforeEach(func() {
			mr = miniredis.RunT(GinkgoT())

			relayFor := func() *store.RedisRelay {
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				r := store.NewRedisRelay(client, "threadline:changes", zerolog.Nop())
				DeferCleanup(r.Close)
				return r
			}

			relayCtx, cancel := context.WithCancel(ctx)
			DeferCleanup(cancel)

			db := openDB()
			s = store.NewSQLiteStore(db.Conn, clk, zerolog.Nop())
			other = store.NewSQLiteStore(db.Conn, clk, zerolog.Nop())
			Expect(s.UseRelay(relayCtx, relayFor())).To(Succeed())
			Expect(other.UseRelay(relayCtx, relayFor())).To(Succeed())
		})

		It("should refresh subscribers of another instance", func() {
			c := stream.Collect(other.SubscribeDocument("channels/c1/reads/a"))
			defer c.Stop()
			Expect(c.Len()).To(Equal(1))

			Expect(s.WriteDocument(ctx, "channels/c1/reads/a", store.Fields{"lastReadAt": store.ServerTimestamp}, true)).To(Succeed())

			Eventually(func() bool {
				snap, _ := c.Last()
				return snap.Exists()
			}).Should(BeTrue())
		})
	})
})
