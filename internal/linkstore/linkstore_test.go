package linkstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkSymmetry(t *testing.T) {
	s := NewMemoryStore()
	s.Link("a@x.com", "par1")

	assert.Contains(t, s.ParsForEmail("a@x.com"), "par1")
	assert.Contains(t, s.EmailsForPar("par1"), "a@x.com")
}

func TestLinkNoOpOnBlank(t *testing.T) {
	s := NewMemoryStore()
	s.Link("", "par1")
	s.Link("a@x.com", "")

	assert.Empty(t, s.ParsForEmail("a@x.com"))
	assert.Empty(t, s.EmailsForPar("par1"))
}

func TestUnknownKeysReturnEmpty(t *testing.T) {
	s := NewMemoryStore()
	assert.Empty(t, s.ParsForEmail("nobody@x.com"))
	assert.Empty(t, s.EmailsForPar("nopar"))
}

func TestManyToMany(t *testing.T) {
	s := NewMemoryStore()
	s.Link("a@x.com", "par1")
	s.Link("a@x.com", "par2")
	s.Link("a@x.com", "par3")
	s.Link("b@x.com", "par1")

	assert.Len(t, s.ParsForEmail("a@x.com"), 3)
	assert.ElementsMatch(t, s.EmailsForPar("par1"), []string{"a@x.com", "b@x.com"})
}

func TestConcurrentLinkIsRaceFree(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Link("shared@x.com", string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()

	assert.NotEmpty(t, s.ParsForEmail("shared@x.com"))
}
