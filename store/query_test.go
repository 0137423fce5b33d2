package store_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akinalp/threadline/store"
)

func doc(path string, fields store.Fields) store.Document {
	_, id := store.Split(path)
	return store.Document{Path: path, ID: id, Fields: fields}
}

var _ = Describe("Query", func() {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	docs := []store.Document{
		doc("dms/a-b/messages/m1", store.Fields{"authorId": "a", "createdAt": t0}),
		doc("dms/a-b/messages/m2", store.Fields{"authorId": "b", "createdAt": t0.Add(time.Second)}),
		doc("dms/a-b/messages/m3", store.Fields{"authorId": "b", "createdAt": t0.Add(2 * time.Second)}),
		doc("dms/a-b/messages/m4", store.Fields{"authorId": "b"}),
	}

	It("should filter on times strictly after since, ascending", func() {
		q := store.Query{Collection: "dms/a-b/messages"}.
			Where("createdAt", store.OpGreater, t0).
			Order("createdAt", store.Asc)

		got := q.Apply(docs)
		Expect(got).To(HaveLen(2))
		Expect(got[0].ID).To(Equal("m2"))
		Expect(got[1].ID).To(Equal("m3"))
	})

	It("should sort descending and limit", func() {
		q := store.Query{Collection: "dms/a-b/messages"}.
			Order("createdAt", store.Desc).
			Take(1)

		got := q.Apply(docs)
		Expect(got).To(HaveLen(1))
		Expect(got[0].ID).To(Equal("m3"))
	})

	It("should match array-contains across string arrays", func() {
		channels := []store.Document{
			doc("channels/c1", store.Fields{"members": []any{"a", "b"}}),
			doc("channels/c2", store.Fields{"members": []string{"c"}}),
		}
		q := store.Query{Collection: "channels"}.Where("members", store.OpArrayContains, "c")

		got := q.Apply(channels)
		Expect(got).To(HaveLen(1))
		Expect(got[0].ID).To(Equal("c2"))
	})

	It("should never match values of different kinds", func() {
		q := store.Query{Collection: "dms/a-b/messages"}.Where("createdAt", store.OpGreater, "yesterday")
		Expect(q.Apply(docs)).To(BeEmpty())
	})

	It("should reject malformed queries", func() {
		Expect(store.Query{Collection: "channels/c1"}.Validate()).To(HaveOccurred())
		Expect(store.Query{Collection: "channels", Limit: -1}.Validate()).To(HaveOccurred())
		Expect(store.Query{Collection: "channels"}.Where("x", "~", 1).Validate()).To(HaveOccurred())
		Expect(store.Query{Collection: "channels"}.Validate()).To(Succeed())
	})

	It("should keep filter times intact over JSON", func() {
		q := store.Query{Collection: "channels/c1/messages"}.Where("createdAt", store.OpGreater, t0)

		raw, err := json.Marshal(q)
		Expect(err).NotTo(HaveOccurred())

		var back store.Query
		Expect(json.Unmarshal(raw, &back)).To(Succeed())
		Expect(back.Filters[0].Value).To(BeAssignableToTypeOf(time.Time{}))
		Expect(back.Filters[0].Value.(time.Time).Equal(t0)).To(BeTrue())
	})
})

var _ = Describe("Fields codec", func() {
	It("should carry times, sentinels and integers through the wire form", func() {
		t0 := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
		raw, err := store.MarshalFields(store.Fields{
			"at":      t0,
			"pending": store.ServerTimestamp,
			"n":       42,
			"nested":  map[string]any{"ok": true},
		})
		Expect(err).NotTo(HaveOccurred())

		fields, err := store.UnmarshalFields(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(fields["at"].(time.Time).Equal(t0)).To(BeTrue())
		Expect(fields["pending"]).To(Equal(store.ServerTimestamp))
		Expect(fields["n"]).To(Equal(int64(42)))
		Expect(fields["nested"]).To(Equal(map[string]any{"ok": true}))
	})

	It("should refuse unsupported values", func() {
		_, err := store.MarshalFields(store.Fields{"ch": make(chan int)})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("paths", func() {
	It("should tell documents from collections", func() {
		Expect(store.ValidateDocumentPath("channels/c1")).To(Succeed())
		Expect(store.ValidateDocumentPath("channels")).NotTo(Succeed())
		Expect(store.ValidateDocumentPath("channels//x")).NotTo(Succeed())
		Expect(store.ValidateCollectionPath("channels/c1/reads")).To(Succeed())
	})

	It("should split a document path", func() {
		col, id := store.Split("dms/a-b/reads/a")
		Expect(col).To(Equal("dms/a-b/reads"))
		Expect(id).To(Equal("a"))
	})
})
