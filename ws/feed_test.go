package ws_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/store"
	"github.com/akinalp/threadline/ws"
)

var _ = Describe("Handler", func() {
	var s *server

	BeforeEach(func() {
		s = startServer()
	})

	It("should refuse a connection without a valid token", func() {
		resp, err := http.Get(s.URL + "/ws")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

		resp, err = http.Get(s.URL + "/ws?token=nope")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("should count open connections", func() {
		a := s.dial("tok-u1")
		s.dial("tok-u1")
		s.dial("tok-u2")
		Eventually(s.Hub.ConnectionCount).Should(Equal(3))
		Expect(s.Hub.OnlineUserIDs()).To(ConsistOf("u1", "u2"))

		a.conn.Close()
		Eventually(s.Hub.ConnectionCount).Should(Equal(2))
	})

	It("should answer heartbeats", func() {
		c := s.dial("tok-u1")
		c.send(ws.OpHeartbeat, "h1", nil)
		c.await(ws.OpHeartbeatAck, "h1")
	})

	It("should reject unknown ops", func() {
		c := s.dial("tok-u1")
		c.send("explode", "x1", nil)

		var data ws.ErrorData
		Expect(c.await(ws.OpError, "x1").Decode(&data)).To(Succeed())
		Expect(data.Code).To(Equal("bad_request"))
	})
})

var _ = Describe("Feed", func() {
	var (
		s      *server
		u1, u2 *client
	)

	BeforeEach(func() {
		s = startServer()
		general := models.Conversation{ID: "general", Kind: models.KindChannel, Name: "general", Members: []string{"u1", "u2"}}
		Expect(s.Store.WriteDocument(ctx(), "channels/general", general.Fields(), false)).To(Succeed())

		u1 = s.dial("tok-u1")
		u2 = s.dial("tok-u2")
	})

	Describe("profiles", func() {
		It("should let a user write only their own profile", func() {
			Expect(code(u1.write("users/u1", store.Fields{"displayName": "Ayşe"}, false))).To(BeEmpty())
			Expect(code(u2.write("users/u1", store.Fields{"displayName": "Mallory"}, true))).To(Equal("forbidden"))

			doc, err := store.Get(ctx(), s.Store, "users/u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Fields["displayName"]).To(Equal("Ayşe"))
		})
	})

	Describe("read markers", func() {
		It("should let a user move only their own marker", func() {
			Expect(code(u1.write("channels/general/reads/u1", models.MarkReadFields(), true))).To(BeEmpty())
			Expect(code(u2.write("channels/general/reads/u1", models.MarkReadFields(), true))).To(Equal("forbidden"))

			u3 := s.dial("tok-u3")
			Expect(code(u3.write("channels/general/reads/u3", models.MarkReadFields(), true))).To(Equal("forbidden"))
			Expect(code(u3.write("dms/u1-u2/reads/u3", models.MarkReadFields(), true))).To(Equal("forbidden"))
			Expect(code(u3.write("dms/u1-u3/reads/u3", models.MarkReadFields(), true))).To(BeEmpty())
		})
	})

	Describe("conversations", func() {
		It("should create a DM only between its members", func() {
			dm, err := models.NewDM("u1", "u2")
			Expect(err).NotTo(HaveOccurred())

			result := u1.create("dms/u1-u2", dm.Fields())
			Expect(code(result)).To(BeEmpty())
			Expect(result.Created).To(BeTrue())

			result = u2.create("dms/u1-u2", dm.Fields())
			Expect(code(result)).To(BeEmpty())
			Expect(result.Created).To(BeFalse())

			u3 := s.dial("tok-u3")
			Expect(code(u3.create("dms/u1-u2", dm.Fields()))).To(Equal("forbidden"))
		})

		It("should refuse a DM whose id does not match its members", func() {
			dm, err := models.NewDM("u1", "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(code(u1.create("dms/u1-u3", dm.Fields()))).To(Equal("forbidden"))
		})

		It("should refuse a channel the caller is not in", func() {
			ch := models.Conversation{ID: "dev", Kind: models.KindChannel, Name: "dev", Members: []string{"u2"}}
			Expect(code(u1.create("channels/dev", ch.Fields()))).To(Equal("forbidden"))

			ch.Members = []string{"u1", "u2"}
			Expect(code(u1.create("channels/dev", ch.Fields()))).To(BeEmpty())
		})

		It("should not let an outsider add themselves to a channel", func() {
			ch := models.Conversation{ID: "dev", Kind: models.KindChannel, Name: "dev", Members: []string{"u1"}}
			Expect(code(u1.create("channels/dev", ch.Fields()))).To(BeEmpty())

			ch.Members = []string{"u1", "u2"}
			Expect(code(u2.write("channels/dev", ch.Fields(), false))).To(Equal("forbidden"))
			Expect(code(u1.write("channels/dev", ch.Fields(), false))).To(BeEmpty())
		})

		It("should refuse unknown collections", func() {
			Expect(code(u1.write("secrets/x", store.Fields{"a": 1}, false))).To(Equal("forbidden"))
		})
	})

	Describe("messages", func() {
		It("should stamp appends with the caller as author", func() {
			result := u1.append("channels/general/messages", models.NewMessageFields("u1", "hi"))
			Expect(code(result)).To(BeEmpty())
			Expect(result.DocID).NotTo(BeEmpty())

			doc, err := store.Get(ctx(), s.Store, "channels/general/messages/"+result.DocID)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Fields["createdAt"]).NotTo(Equal(store.ServerTimestamp))

			Expect(code(u1.append("channels/general/messages", models.NewMessageFields("u2", "spoof")))).To(Equal("forbidden"))
			Expect(code(u1.append("channels/general/reads", models.NewMessageFields("u1", "hi")))).To(Equal("forbidden"))
		})

		It("should let only the author edit a message", func() {
			result := u1.append("channels/general/messages", models.NewMessageFields("u1", "hi"))
			Expect(code(result)).To(BeEmpty())
			path := "channels/general/messages/" + result.DocID

			Expect(code(u1.write(path, store.Fields{"body": "hi!"}, true))).To(BeEmpty())
			Expect(code(u2.write(path, store.Fields{"body": "pwned"}, true))).To(Equal("forbidden"))
			Expect(code(u1.write(path, store.Fields{"authorId": "u2"}, true))).To(Equal("forbidden"))
			Expect(code(u1.write("channels/general/messages/missing", store.Fields{"body": "x"}, true))).To(Equal("not_found"))
		})

		It("should only let members post", func() {
			c1 := models.Conversation{ID: "c1", Kind: models.KindChannel, Name: "c1", Members: []string{"u1"}}
			Expect(s.Store.WriteDocument(ctx(), "channels/c1", c1.Fields(), false)).To(Succeed())

			Expect(code(u2.append("channels/c1/messages", models.NewMessageFields("u2", "let me in")))).To(Equal("forbidden"))
			Expect(code(u2.append("channels/nowhere/messages", models.NewMessageFields("u2", "hi")))).To(Equal("forbidden"))
			Expect(code(u2.append("dms/u1-u3/messages", models.NewMessageFields("u2", "hi")))).To(Equal("forbidden"))
			Expect(code(u2.append("dms/u1-u2/messages", models.NewMessageFields("u2", "hi")))).To(BeEmpty())

			docs, err := store.GetAll(ctx(), s.Store, store.Query{Collection: "channels/c1/messages"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(BeEmpty())
		})

		It("should leave createdAt to the store", func() {
			future := models.NewMessageFields("u1", "from the future")
			future["createdAt"] = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
			Expect(code(u1.append("channels/general/messages", future))).To(Equal("forbidden"))

			past := models.NewMessageFields("u1", "from the past")
			past["createdAt"] = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
			Expect(code(u1.append("channels/general/messages", past))).To(Equal("forbidden"))

			bare := models.NewMessageFields("u1", "no stamp")
			delete(bare, "createdAt")
			result := u1.append("channels/general/messages", bare)
			Expect(code(result)).To(BeEmpty())

			doc, err := store.Get(ctx(), s.Store, "channels/general/messages/"+result.DocID)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Fields["createdAt"]).To(BeTemporally("~", time.Now(), time.Minute))
		})

		It("should restrict edits to the body and the deleted flag", func() {
			result := u1.append("channels/general/messages", models.NewMessageFields("u1", "hi"))
			Expect(code(result)).To(BeEmpty())
			path := "channels/general/messages/" + result.DocID

			Expect(code(u1.write(path, store.Fields{"createdAt": time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)}, true))).To(Equal("forbidden"))
			Expect(code(u1.write(path, store.Fields{"editedAt": time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)}, true))).To(Equal("forbidden"))
			Expect(code(u1.write(path, store.Fields{"body": "replaced"}, false))).To(Equal("forbidden"))
			Expect(code(u1.create("channels/general/messages/forged", models.NewMessageFields("u1", "hi")))).To(Equal("forbidden"))

			Expect(code(u1.write(path, store.Fields{"body": "edited", "editedAt": store.ServerTimestamp}, true))).To(BeEmpty())
			Expect(code(u1.write(path, store.Fields{"deleted": true}, true))).To(BeEmpty())

			doc, err := store.Get(ctx(), s.Store, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Fields).To(HaveKeyWithValue("authorId", "u1"))
			Expect(doc.Fields).To(HaveKeyWithValue("body", "edited"))
			Expect(doc.Fields).To(HaveKeyWithValue("deleted", true))
		})

		It("should rate limit appends per user", func() {
			for range 2 {
				Expect(code(u1.append("channels/general/messages", models.NewMessageFields("u1", "spam")))).To(BeEmpty())
			}
			Expect(code(u1.append("channels/general/messages", models.NewMessageFields("u1", "spam")))).To(Equal("rate_limited"))

			// other users are not affected
			Expect(code(u2.append("channels/general/messages", models.NewMessageFields("u2", "hi")))).To(BeEmpty())

			s.Clock.Add(16 * time.Second)
			Expect(code(u1.append("channels/general/messages", models.NewMessageFields("u1", "back")))).To(BeEmpty())
		})
	})

	Describe("subscriptions", func() {
		snapshot := func(e ws.Event) ws.DocumentSnapshotData {
			GinkgoHelper()
			var data ws.DocumentSnapshotData
			Expect(e.Decode(&data)).To(Succeed())
			return data
		}

		It("should stream a document until unsubscribed", func() {
			u1.send(ws.OpSubscribeDocument, "s1", ws.SubscribeDocumentData{Path: "users/u2"})
			Expect(snapshot(u1.await(ws.OpDocumentSnapshot, "s1")).Doc).To(BeNil())

			Expect(code(u2.write("users/u2", store.Fields{"displayName": "Bora"}, false))).To(BeEmpty())
			data := snapshot(u1.await(ws.OpDocumentSnapshot, "s1"))
			Expect(data.Doc).NotTo(BeNil())
			doc, err := data.Doc.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Fields["displayName"]).To(Equal("Bora"))

			u1.send(ws.OpUnsubscribe, "s1", nil)
			u1.send(ws.OpHeartbeat, "h1", nil)
			u1.await(ws.OpHeartbeatAck, "h1")

			Expect(code(u2.write("users/u2", store.Fields{"displayName": "Bora B."}, false))).To(BeEmpty())
			u1.send(ws.OpHeartbeat, "h2", nil)
			Expect(u1.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			for {
				var e ws.Event
				Expect(u1.conn.ReadJSON(&e)).To(Succeed())
				Expect(e.Op).NotTo(Equal(ws.OpDocumentSnapshot))
				if e.Op == ws.OpHeartbeatAck {
					break
				}
			}
		})

		It("should keep conversations private to their members", func() {
			u3 := s.dial("tok-u3")
			querySnapshot := func(e ws.Event) ws.QuerySnapshotData {
				GinkgoHelper()
				var data ws.QuerySnapshotData
				Expect(e.Decode(&data)).To(Succeed())
				return data
			}

			u3.send(ws.OpSubscribeQuery, "q1", ws.SubscribeQueryData{Query: store.Query{Collection: "channels/general/messages"}})
			data := querySnapshot(u3.await(ws.OpQuerySnapshot, "q1"))
			Expect(data.Error).NotTo(BeNil())
			Expect(data.Error.Code).To(Equal("forbidden"))

			u3.send(ws.OpSubscribeDocument, "d1", ws.SubscribeDocumentData{Path: "dms/u1-u2"})
			Expect(snapshot(u3.await(ws.OpDocumentSnapshot, "d1")).Error.Code).To(Equal("forbidden"))

			u3.send(ws.OpSubscribeDocument, "d2", ws.SubscribeDocumentData{Path: "channels/general/reads/u1"})
			Expect(snapshot(u3.await(ws.OpDocumentSnapshot, "d2")).Error.Code).To(Equal("forbidden"))

			u3.send(ws.OpSubscribeQuery, "q2", ws.SubscribeQueryData{Query: store.Query{Collection: "dms"}})
			Expect(querySnapshot(u3.await(ws.OpQuerySnapshot, "q2")).Error.Code).To(Equal("forbidden"))

			mine := store.Query{Collection: "dms"}.Where("members", store.OpArrayContains, "u3")
			u3.send(ws.OpSubscribeQuery, "q3", ws.SubscribeQueryData{Query: mine})
			Expect(querySnapshot(u3.await(ws.OpQuerySnapshot, "q3")).Error).To(BeNil())

			u3.send(ws.OpSubscribeDocument, "d3", ws.SubscribeDocumentData{Path: "channels/general"})
			Expect(snapshot(u3.await(ws.OpDocumentSnapshot, "d3")).Error).To(BeNil())

			u1.send(ws.OpSubscribeQuery, "q4", ws.SubscribeQueryData{Query: store.Query{Collection: "channels/general/messages"}})
			Expect(querySnapshot(u1.await(ws.OpQuerySnapshot, "q4")).Error).To(BeNil())
		})

		It("should answer a subscription without an id with an error", func() {
			u1.send(ws.OpSubscribeQuery, "", ws.SubscribeQueryData{Query: store.Query{Collection: "users"}})

			var data ws.ErrorData
			Expect(u1.await(ws.OpError, "").Decode(&data)).To(Succeed())
			Expect(data.Code).To(Equal("bad_request"))
		})
	})
})
