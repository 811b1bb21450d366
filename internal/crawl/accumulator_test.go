package crawl

import (
	"fmt"
	"sync"
	"testing"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listing(id, title string) models.Listing {
	return models.Listing{ID: id, Title: title}
}

func TestAccumulator_Merge(t *testing.T) {
	tests := []struct {
		name         string
		limit        int
		batches      [][]models.Listing
		wantLen      int
		wantAccepted []int
		wantFresh    []int
	}{
		{
			name:  "duplicate across batches counted once",
			limit: 10,
			batches: [][]models.Listing{
				{listing("A", "a"), listing("X", "old")},
				{listing("X", "new"), listing("B", "b")},
			},
			wantLen:      3,
			wantAccepted: []int{2, 2},
			wantFresh:    []int{2, 1},
		},
		{
			name:  "duplicate inside one batch collapses",
			limit: 10,
			batches: [][]models.Listing{
				{listing("X", "1"), listing("X", "2"), listing("X", "3")},
			},
			wantLen:      1,
			wantAccepted: []int{1},
			wantFresh:    []int{1},
		},
		{
			name:  "cap rejects new ids but refreshes known ones",
			limit: 2,
			batches: [][]models.Listing{
				{listing("A", "a"), listing("B", "b"), listing("C", "c")},
				{listing("A", "a2"), listing("D", "d")},
			},
			wantLen:      2,
			wantAccepted: []int{2, 1},
			wantFresh:    []int{2, 0},
		},
		{
			name:  "listings without id are ignored",
			limit: 0,
			batches: [][]models.Listing{
				{listing("", "nothing"), listing("A", "a")},
			},
			wantLen:      1,
			wantAccepted: []int{1},
			wantFresh:    []int{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(tt.limit)
			for i, batch := range tt.batches {
				accepted, fresh := acc.Merge(batch)
				assert.Len(t, accepted, tt.wantAccepted[i], "batch %d accepted", i)
				assert.Equal(t, tt.wantFresh[i], fresh, "batch %d fresh", i)
			}
			assert.Equal(t, tt.wantLen, acc.Len())
		})
	}
}

func TestAccumulator_LaterValueWins(t *testing.T) {
	acc := NewAccumulator(10)
	acc.Merge([]models.Listing{listing("X", "first")})
	accepted, fresh := acc.Merge([]models.Listing{listing("X", "second")})

	require.Len(t, accepted, 1)
	assert.Equal(t, 0, fresh)
	assert.Equal(t, "second", accepted[0].Title)

	got, ok := acc.Get("X")
	require.True(t, ok)
	assert.Equal(t, "second", got.Title)
	assert.Equal(t, []models.Listing{listing("X", "second")}, acc.Listings())
}

func TestAccumulator_Remaining(t *testing.T) {
	acc := NewAccumulator(3)
	assert.Equal(t, 3, acc.Remaining())
	acc.Merge([]models.Listing{listing("A", ""), listing("B", "")})
	assert.Equal(t, 1, acc.Remaining())
	assert.False(t, acc.Full())
	acc.Merge([]models.Listing{listing("C", "")})
	assert.True(t, acc.Full())

	unbounded := NewAccumulator(0)
	assert.Equal(t, WindowLimit, unbounded.Remaining())
}

func TestAccumulator_ConcurrentMergeNeverExceedsCap(t *testing.T) {
	acc := NewAccumulator(100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	totalFresh := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]models.Listing, 0, 50)
			for i := 0; i < 50; i++ {
				batch = append(batch, listing(fmt.Sprintf("id-%d", (w*25+i)%150), ""))
			}
			_, fresh := acc.Merge(batch)
			mu.Lock()
			totalFresh += fresh
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 100, acc.Len())
	assert.Equal(t, 100, totalFresh)
}
