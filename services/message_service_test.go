package services_test

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/services"
	"github.com/akinalp/threadline/store"
)

var _ = Describe("MessageService", func() {
	var (
		ctx   context.Context
		clk   *clock.Mock
		fs    *fakeStore
		cache services.ReadStateCache
		svc   services.MessageService
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.NewMock()
		clk.Set(base)
		fs = newFakeStore()
		cache = services.NewReadStateCache(fs, nil, clk, config.ClientDefaults(), zerolog.Nop())
		DeferCleanup(cache.Close)
		svc = services.NewMessageService(fs, cache)
	})

	It("should append a trimmed message and bump activity", func() {
		var got store.Fields
		fs.AppendDocumentFn = func(_ context.Context, collection string, fields store.Fields) (string, error) {
			Expect(collection).To(Equal("dms/u1-u2/messages"))
			got = fields
			return "m1", nil
		}
		fs.SetCollection("dms/u1-u2/messages")

		activity := stream.Collect(cache.LastActivity(models.KindDM, "u1-u2"))
		defer activity.Stop()

		clk.Add(time.Minute)
		id, err := svc.Send(ctx, models.KindDM, "u1-u2", "u1", "  hello  ")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("m1"))
		Expect(got).To(HaveKeyWithValue("body", "hello"))
		Expect(got).To(HaveKeyWithValue("authorId", "u1"))
		Expect(got).To(HaveKeyWithValue("createdAt", store.ServerTimestamp))

		last, _ := activity.Last()
		Expect(last).To(BeTemporally("==", base.Add(time.Minute)))
	})

	It("should validate the body", func() {
		_, err := svc.Send(ctx, models.KindChannel, "general", "u1", "   ")
		Expect(err).To(MatchError(pkg.ErrBadRequest))

		_, err = svc.Send(ctx, models.KindChannel, "general", "u1", strings.Repeat("ş", models.MaxBodyLength+1))
		Expect(err).To(MatchError(pkg.ErrBadRequest))

		_, err = svc.Send(ctx, models.KindChannel, "general", "u1", strings.Repeat("ş", models.MaxBodyLength))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should return a failed append without bumping", func() {
		fs.AppendDocumentFn = func(context.Context, string, store.Fields) (string, error) {
			return "", errors.New("offline")
		}
		fs.SetCollection("channels/general/messages")
		activity := stream.Collect(cache.LastActivity(models.KindChannel, "general"))
		defer activity.Stop()

		clk.Add(time.Minute)
		_, err := svc.Send(ctx, models.KindChannel, "general", "u1", "hi")
		Expect(err).To(MatchError(ContainSubstring("offline")))

		last, _ := activity.Last()
		Expect(last.IsZero()).To(BeTrue())
	})

	It("should merge edits and soft deletes into the message", func() {
		type write struct {
			path   string
			fields store.Fields
			merge  bool
		}
		var writes []write
		fs.WriteDocumentFn = func(_ context.Context, path string, fields store.Fields, merge bool) error {
			writes = append(writes, write{path, fields, merge})
			return nil
		}

		Expect(svc.Edit(ctx, models.KindChannel, "general", "m1", " fixed ")).To(Succeed())
		Expect(svc.Delete(ctx, models.KindChannel, "general", "m1")).To(Succeed())

		Expect(writes).To(Equal([]write{
			{"channels/general/messages/m1", store.Fields{"body": "fixed", "editedAt": store.ServerTimestamp}, true},
			{"channels/general/messages/m1", store.Fields{"deleted": true}, true},
		}))
	})
})

var _ = Describe("NameResolver", func() {
	var (
		ctx      context.Context
		clk      *clock.Mock
		fs       *fakeStore
		resolver services.NameResolver
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.NewMock()
		clk.Set(base)
		fs = newFakeStore()
		resolver = services.NewNameResolver(fs, clk, time.Minute, zerolog.Nop())
		DeferCleanup(resolver.Close)
	})

	It("should resolve and cache display names", func() {
		fs.SetDoc("users/u1", store.Fields{"displayName": "Ayşe"})
		Expect(resolver.DisplayName(ctx, "u1")).To(Equal("Ayşe"))

		fs.SetDoc("users/u1", store.Fields{"displayName": "Ayşe K."})
		Expect(resolver.DisplayName(ctx, "u1")).To(Equal("Ayşe"))

		clk.Add(2 * time.Minute)
		Expect(resolver.DisplayName(ctx, "u1")).To(Equal("Ayşe K."))
	})

	It("should fall back to the id", func() {
		fs.SetDoc("users/ghost", nil)
		Expect(resolver.DisplayName(ctx, "ghost")).To(Equal("ghost"))

		fs.FailDoc("users/u9", errors.New("offline"))
		Expect(resolver.DisplayName(ctx, "u9")).To(Equal("u9"))
	})

	It("should refetch after Forget", func() {
		fs.SetDoc("users/u1", store.Fields{"displayName": "Ayşe"})
		Expect(resolver.DisplayName(ctx, "u1")).To(Equal("Ayşe"))

		fs.SetDoc("users/u1", store.Fields{"displayName": "Bora"})
		resolver.Forget("u1")
		Expect(resolver.DisplayName(ctx, "u1")).To(Equal("Bora"))
	})
})
