package decoder

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/panos-span/alexandria3k/internal/catalog"
)

// CrossrefSource decodes a directory of gzip-compressed, line-delimited
// Crossref "works" containers (each line a single work object, the shape
// the public Crossref snapshot ships in). It implements Source.
//
// The container identifier space is simply the lexicographically sorted
// list of *.json.gz files in the directory, 0-indexed -- file names carry
// no meaning to the engine beyond sort order.
type CrossrefSource struct {
	dir   string
	files []string // absolute paths, index == container id
}

// NewCrossrefSource indexes dir without reading any file contents.
func NewCrossrefSource(dir string) (*CrossrefSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("crossref source: read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.gz") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	return &CrossrefSource{dir: dir, files: files}, nil
}

func (s *CrossrefSource) FileIDs(_ context.Context) ([]int, error) {
	ids := make([]int, len(s.files))
	for i := range s.files {
		ids[i] = i
	}
	return ids, nil
}

func (s *CrossrefSource) Decode(_ context.Context, containerID int) (*Container, error) {
	if containerID < 0 || containerID >= len(s.files) {
		return nil, fmt.Errorf("crossref source: container %d out of range", containerID)
	}

	f, err := os.Open(s.files[containerID])
	if err != nil {
		return nil, fmt.Errorf("crossref source: open container %d: %w", containerID, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("crossref source: gunzip container %d: %w", containerID, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("crossref source: read container %d: %w", containerID, err)
	}

	c := &Container{ID: containerID, Tables: make(map[string][]Row, len(catalog.Tables))}
	for _, t := range catalog.Tables {
		c.Tables[t.Name] = nil
	}

	// authorID/funderID are primary keys within this container, so they
	// must run across every work record the container holds, not reset
	// per work -- otherwise two different works would each mint author
	// id 1, and author_affiliations/funder_awards would join against
	// whichever work_authors/work_funders row happens to share that id.
	ids := &workIDCounters{}

	var decodeErr error
	lineNo := 0
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lineNo++
		if !gjson.Valid(line) {
			decodeErr = fmt.Errorf("crossref source: container %d line %d: invalid JSON", containerID, lineNo)
			break
		}
		decodeWork(c, ids, gjson.Parse(line))
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	return c, nil
}

// workIDCounters mints the container-scoped primary keys for tables
// that have no natural key of their own (work_authors.id,
// work_funders.id): a running counter per table, incremented once per
// record across the whole container.
type workIDCounters struct {
	author int
	funder int
}

// decodeWork splits one Crossref work object into rows for every
// descendant table, appending them into c.Tables.
func decodeWork(c *Container, ids *workIDCounters, work gjson.Result) {
	doi := work.Get("DOI").String()

	c.Tables["works"] = append(c.Tables["works"], Row{
		doi,
		work.Get("title.0").String(),
		work.Get("abstract").String(),
		work.Get("publisher").String(),
		work.Get("type").String(),
		int(work.Get("issued.date-parts.0.0").Int()),
		int(work.Get("issued.date-parts.0.1").Int()),
		int(work.Get("issued.date-parts.0.2").Int()),
		work.Get("volume").String(),
		work.Get("issue").String(),
		work.Get("page").String(),
	})

	work.Get("author").ForEach(func(_, author gjson.Result) bool {
		ids.author++
		id := ids.author
		c.Tables["work_authors"] = append(c.Tables["work_authors"], Row{
			id,
			doi,
			author.Get("sequence").String(),
			author.Get("given").String(),
			author.Get("family").String(),
			author.Get("ORCID").String(),
		})
		author.Get("affiliation").ForEach(func(_, aff gjson.Result) bool {
			c.Tables["author_affiliations"] = append(c.Tables["author_affiliations"], Row{
				id,
				aff.Get("name").String(),
			})
			return true
		})
		return true
	})

	work.Get("reference").ForEach(func(_, ref gjson.Result) bool {
		c.Tables["work_references"] = append(c.Tables["work_references"], Row{
			doi,
			ref.Get("DOI").String(),
			ref.Get("ISBN").String(),
			ref.Get("first-page").String(),
			int(ref.Get("year").Int()),
		})
		return true
	})

	work.Get("subject").ForEach(func(_, subj gjson.Result) bool {
		c.Tables["work_subjects"] = append(c.Tables["work_subjects"], Row{
			doi,
			subj.String(),
		})
		return true
	})

	work.Get("funder").ForEach(func(_, funder gjson.Result) bool {
		ids.funder++
		id := ids.funder
		c.Tables["work_funders"] = append(c.Tables["work_funders"], Row{
			id,
			doi,
			funder.Get("name").String(),
			funder.Get("DOI").String(),
		})
		funder.Get("award").ForEach(func(_, award gjson.Result) bool {
			c.Tables["funder_awards"] = append(c.Tables["funder_awards"], Row{
				id,
				award.String(),
			})
			return true
		})
		return true
	})

	work.Get("update-to").ForEach(func(_, upd gjson.Result) bool {
		c.Tables["work_updates"] = append(c.Tables["work_updates"], Row{
			doi,
			upd.Get("label").String(),
			upd.Get("DOI").String(),
			int(upd.Get("updated.date-parts.0.0").Int()),
		})
		return true
	})

	work.Get("link").ForEach(func(_, link gjson.Result) bool {
		c.Tables["work_links"] = append(c.Tables["work_links"], Row{
			doi,
			link.Get("URL").String(),
			link.Get("content-type").String(),
			link.Get("intended-application").String(),
		})
		return true
	})
}
