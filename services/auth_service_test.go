package services_test

import (
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/services"
)

var _ = Describe("AuthService", func() {
	var (
		clk  *clock.Mock
		auth services.AuthService
	)

	BeforeEach(func() {
		clk = clock.NewMock()
		clk.Set(base)
		auth = services.NewAuthService("test-secret", time.Hour, clk)
	})

	It("should validate the tokens it issues", func() {
		token, err := auth.IssueToken(models.User{ID: "u1", DisplayName: "Ayşe"})
		Expect(err).NotTo(HaveOccurred())

		claims, err := auth.ValidateAccessToken(token)
		Expect(err).NotTo(HaveOccurred())
		Expect(claims.UserID).To(Equal("u1"))
		Expect(claims.DisplayName).To(Equal("Ayşe"))
	})

	It("should reject an expired token", func() {
		token, err := auth.IssueToken(models.User{ID: "u1"})
		Expect(err).NotTo(HaveOccurred())

		clk.Add(2 * time.Hour)
		_, err = auth.ValidateAccessToken(token)
		Expect(err).To(MatchError(pkg.ErrUnauthorized))
	})

	It("should reject a token signed with another secret", func() {
		other := services.NewAuthService("other-secret", time.Hour, clk)
		token, err := other.IssueToken(models.User{ID: "u1"})
		Expect(err).NotTo(HaveOccurred())

		_, err = auth.ValidateAccessToken(token)
		Expect(err).To(MatchError(pkg.ErrUnauthorized))
	})

	It("should refuse an invalid user", func() {
		_, err := auth.IssueToken(models.User{ID: "a/b"})
		Expect(err).To(MatchError(pkg.ErrBadRequest))
	})
})

var _ = Describe("Session", func() {
	It("should start signed out", func() {
		s := services.NewSession()
		Expect(s.Current().SignedIn()).To(BeFalse())
	})

	It("should read the user from the token without the secret", func() {
		token, err := services.NewAuthService("server-only", time.Hour, nil).IssueToken(models.User{ID: "u7", DisplayName: "Bora"})
		Expect(err).NotTo(HaveOccurred())

		s := services.NewSession()
		ids := stream.Collect(s.Identity())
		defer ids.Stop()

		id, err := s.SignIn(token)
		Expect(err).NotTo(HaveOccurred())
		Expect(id.UserID).To(Equal("u7"))
		Expect(id.DisplayName).To(Equal("Bora"))
		Expect(s.Current()).To(Equal(id))

		s.SignOut()
		Expect(ids.Values()).To(Equal([]services.Identity{{}, id, {}}))
	})

	It("should reject a malformed token", func() {
		_, err := services.NewSession().SignIn("not-a-jwt")
		Expect(err).To(MatchError(pkg.ErrUnauthorized))
	})
})
