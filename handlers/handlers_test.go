package handlers_test

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/database"
	"github.com/akinalp/threadline/handlers"
	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/services"
	"github.com/akinalp/threadline/store"
)

type connections int

func (c connections) ConnectionCount() int { return int(c) }

// envelope mirrors pkg.APIResponse with a typed payload.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

func decode[T any](rec *httptest.ResponseRecorder) envelope[T] {
	GinkgoHelper()
	var env envelope[T]
	Expect(json.NewDecoder(rec.Body).Decode(&env)).To(Succeed())
	return env
}

var _ = Describe("HealthHandler", func() {
	It("should report the open connections", func() {
		rec := httptest.NewRecorder()
		handlers.NewHealthHandler(connections(3)).Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		env := decode[handlers.HealthResponse](rec)
		Expect(env.Success).To(BeTrue())
		Expect(env.Data).To(Equal(handlers.HealthResponse{Status: "ok", Service: "threadline", Connections: 3}))
	})
})

var _ = Describe("TokenHandler", func() {
	var (
		st   *store.SQLiteStore
		auth services.AuthService
		h    *handlers.TokenHandler
	)

	BeforeEach(func() {
		migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
		Expect(err).NotTo(HaveOccurred())
		db, err := database.New(filepath.Join(GinkgoT().TempDir(), "handlers.db"), migrations, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		st = store.NewSQLiteStore(db.Conn, clock.New(), zerolog.Nop())
		auth = services.NewAuthService("test-secret", time.Hour, nil)
		h = handlers.NewTokenHandler(auth, st, zerolog.Nop())
	})

	issue := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Issue(rec, httptest.NewRequest(http.MethodPost, "/api/dev/token", strings.NewReader(body)))
		return rec
	}

	It("should issue a valid token and upsert the profile", func() {
		rec := issue(`{"user_id":"u1","display_name":"  Ayşe "}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))

		env := decode[handlers.TokenResponse](rec)
		Expect(env.Data.User).To(Equal(models.User{ID: "u1", DisplayName: "Ayşe"}))

		claims, err := auth.ValidateAccessToken(env.Data.AccessToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(claims.UserID).To(Equal("u1"))

		doc, err := store.Get(context.Background(), st, "users/u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Fields["displayName"]).To(Equal("Ayşe"))
	})

	It("should reject a bad request", func() {
		Expect(issue(`{`).Code).To(Equal(http.StatusBadRequest))
		Expect(issue(`{"user_id":"a/b"}`).Code).To(Equal(http.StatusBadRequest))
		Expect(issue(`{"user_id":""}`).Code).To(Equal(http.StatusBadRequest))
	})
})
