package store

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// PagedLines is a list of rendered lines stored as numbered page files on
// disk, with a small LRU of decoded pages in memory. Random access and
// slicing never load pages outside the requested range.
type PagedLines struct {
	dir       string
	comp      Compression
	pageSize  int
	length    int
	pageCount int
	cache     *pageCache
}

// WritePagedLines writes lines as a paged list under dir. The pages are
// built in a sibling ".tmp" directory which is renamed into place, so a
// half-written paged list is never observed. Any existing paged list at
// dir is replaced.
func WritePagedLines(dir string, lines []string, pageSize int, comp Compression, cacheSize int) (*PagedLines, error) {
	tmpDir := dir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}
	pageCount := (len(lines) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1 // an empty list still has one empty page
	}
	for index := 0; index < pageCount; index++ {
		start := index * pageSize
		end := start + pageSize
		if start > len(lines) {
			start = len(lines)
		}
		if end > len(lines) {
			end = len(lines)
		}
		if err := writePage(tmpDir, index, lines[start:end], comp); err != nil {
			_ = os.RemoveAll(tmpDir)
			return nil, err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	return OpenPagedLines(dir, comp, pageSize, len(lines), pageCount, cacheSize), nil
}

// OpenPagedLines attaches to an existing paged list without touching disk.
// The length and page count come from the artifact metadata record.
func OpenPagedLines(dir string, comp Compression, pageSize, length, pageCount, cacheSize int) *PagedLines {
	return &PagedLines{
		dir:       dir,
		comp:      comp,
		pageSize:  pageSize,
		length:    length,
		pageCount: pageCount,
		cache:     newPageCache(cacheSize),
	}
}

func writePage(dir string, index int, lines []string, comp Compression) error {
	file, err := os.Create(filepath.Join(dir, strconv.Itoa(index)))
	if err != nil {
		return err
	}
	writer, err := comp.NewWriter(file)
	if err != nil {
		_ = file.Close()
		return err
	}
	if err := gob.NewEncoder(writer).Encode(lines); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (p *PagedLines) readPage(index int) ([]string, error) {
	if lines, ok := p.cache.get(index); ok {
		return lines, nil
	}
	file, err := os.Open(filepath.Join(p.dir, strconv.Itoa(index)))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader, err := p.comp.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	var lines []string
	if err := gob.NewDecoder(reader).Decode(&lines); err != nil {
		return nil, err
	}
	p.cache.put(index, lines)
	return lines, nil
}

// Known reports whether the artifact exists and is readable. A PagedLines
// handle is only ever created for an artifact that exists on disk.
func (p *PagedLines) Known() bool {
	return true
}

// Len returns the total number of lines.
func (p *PagedLines) Len() int {
	return p.length
}

// PageCount returns the number of page files on disk.
func (p *PagedLines) PageCount() int {
	return p.pageCount
}

// Line returns line i.
func (p *PagedLines) Line(i int) (string, error) {
	if i < 0 || i >= p.length {
		return "", fmt.Errorf("line %d out of range [0, %d)", i, p.length)
	}
	page, err := p.readPage(i / p.pageSize)
	if err != nil {
		return "", err
	}
	return page[i%p.pageSize], nil
}

// Slice returns lines [a, b), clamped to the list bounds. Only the pages
// covering the range are read.
func (p *PagedLines) Slice(a, b int) ([]string, error) {
	if a < 0 {
		a = 0
	}
	if b > p.length {
		b = p.length
	}
	if a >= b {
		return nil, nil
	}
	startPage, startOffset := a/p.pageSize, a%p.pageSize
	stopPage, stopOffset := b/p.pageSize, b%p.pageSize
	if stopOffset == 0 {
		// b ends exactly on a page boundary: the range ends with the
		// previous page, so the next one is never read.
		stopPage--
		stopOffset = p.pageSize
	}
	if startPage == stopPage {
		page, err := p.readPage(startPage)
		if err != nil {
			return nil, err
		}
		return append([]string(nil), page[startOffset:stopOffset]...), nil
	}
	result := make([]string, 0, b-a)
	first, err := p.readPage(startPage)
	if err != nil {
		return nil, err
	}
	result = append(result, first[startOffset:]...)
	for index := startPage + 1; index < stopPage; index++ {
		page, err := p.readPage(index)
		if err != nil {
			return nil, err
		}
		result = append(result, page...)
	}
	last, err := p.readPage(stopPage)
	if err != nil {
		return nil, err
	}
	return append(result, last[:stopOffset]...), nil
}

// pageCache is a small LRU of decoded pages. Two pages cover any slice that
// spans a single page boundary, which is the common viewing pattern.
type pageCache struct {
	size    int
	order   []int // most recent last
	entries map[int][]string
}

func newPageCache(size int) *pageCache {
	if size < 1 {
		size = 1
	}
	return &pageCache{
		size:    size,
		entries: make(map[int][]string, size),
	}
}

func (c *pageCache) get(index int) ([]string, bool) {
	lines, ok := c.entries[index]
	if ok {
		c.touch(index)
	}
	return lines, ok
}

func (c *pageCache) put(index int, lines []string) {
	if _, ok := c.entries[index]; ok {
		c.touch(index)
		c.entries[index] = lines
		return
	}
	if len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, index)
	c.entries[index] = lines
}

func (c *pageCache) touch(index int) {
	for i, existing := range c.order {
		if existing == index {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, index)
}
