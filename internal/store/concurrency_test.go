package store

import (
	"context"
	"sync"
	"testing"

	"chatcore/internal/models"

	"github.com/stretchr/testify/require"
)

type directResult struct {
	conv    models.Conversation
	created bool
	err     error
}

func testConcurrentDirect(t *testing.T, s Store) {
	ctx := context.Background()
	u := users(t, s, 2)
	const n = 8

	results := make([]directResult, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, b := u[0], u[1]
			if i%2 == 1 {
				a, b = b, a
			}
			conv, created, err := s.CreateDirectConversation(ctx, a, b)
			results[i] = directResult{conv, created, err}
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i, r := range results {
		require.NoError(t, r.err, "caller %d", i)
		require.Equal(t, results[0].conv.ID, r.conv.ID, "caller %d", i)
		if r.created {
			created++
		}
	}
	require.Equal(t, 1, created)

	parts, err := s.ListParticipants(ctx, results[0].conv.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
}

func testConcurrentSends(t *testing.T, s Store) {
	ctx := context.Background()
	u := users(t, s, 3)
	conv, err := s.CreateGroupConversation(ctx, u[0], "busy", "", []string{u[1], u[2]})
	require.NoError(t, err)
	const n = 30

	msgs := make([]models.Message, n)
	recipients := make([][]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			msgs[i] = models.Message{ConversationID: conv.ID, SenderID: u[i%3], Content: "m", ContentType: models.ContentText}
			recipients[i], errs[i] = s.CreateMessage(ctx, &msgs[i])
		}(i)
	}
	close(start)
	wg.Wait()

	sentBy := map[string]int{}
	seen := map[string]bool{}
	for i := range msgs {
		require.NoError(t, errs[i])
		require.Len(t, recipients[i], 2)
		require.NotContains(t, recipients[i], msgs[i].SenderID)
		require.False(t, seen[msgs[i].ID], "duplicate id %s", msgs[i].ID)
		seen[msgs[i].ID] = true
		sentBy[msgs[i].SenderID]++
	}

	page, err := s.ListMessages(ctx, conv.ID, 200, "")
	require.NoError(t, err)
	require.Len(t, page, n)
	for i := 1; i < len(page); i++ {
		require.True(t, before(page[i], page[i-1]), "history out of order at %d", i)
	}

	for _, uid := range u {
		queued, err := s.ListQueued(ctx, uid)
		require.NoError(t, err)
		require.Len(t, queued, n-sentBy[uid])
		for i := 1; i < len(queued); i++ {
			require.True(t, before(queued[i-1], queued[i]), "queue out of order at %d", i)
		}
		for _, m := range queued {
			require.NotEqual(t, uid, m.SenderID)
			ds, err := s.GetDeliveryStatus(ctx, m.ID, uid)
			require.NoError(t, err)
			require.Equal(t, models.DeliveryQueued, ds.State)
		}
	}
}

// before reports whether a sorts strictly ahead of b by (created_at, id).
func before(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
