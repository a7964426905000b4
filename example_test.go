package docstore_test

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/nbrauner/docstore"
)

// collection is a thin wrapper over DB, built entirely on DB's public
// Put/Get/Iterate/BeginBatch/EndBatch/Commit contract, demonstrating the
// id-prefixing, auto-id, and secondary-index-free findBy wrapper a
// collaborator would write on top of this package, not a shipped feature
// of it.
type collection struct {
	db     *docstore.DB
	name   string
	nextID atomic.Uint64
}

func newCollection(db *docstore.DB, name string) *collection {
	return &collection{db: db, name: name}
}

func (c *collection) key(id string) []byte {
	return []byte(c.name + ":" + id)
}

// insert generates an id, prefixes it with the collection name, and puts
// the document, returning the unprefixed id.
func (c *collection) insert(doc docstore.Document) (string, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	if err := c.db.Put(c.key(id), doc); err != nil {
		return "", err
	}
	return id, nil
}

func (c *collection) find(id string) (docstore.Document, bool, error) {
	return c.db.Get(c.key(id))
}

// findBy linearly scans the collection's live documents for one matching
// field == value. A real collaborator would maintain a lazily-built
// secondary index instead; this is the baseline it would replace.
func (c *collection) findBy(field string, value any) []docstore.Document {
	prefix := c.name + ":"
	var matches []docstore.Document
	for id, doc := range c.db.Iterate() {
		if len(id) < len(prefix) || string(id[:len(prefix)]) != prefix {
			continue
		}
		if doc[field] == value {
			matches = append(matches, doc)
		}
	}
	return matches
}

// Example demonstrates building a collection handle on top of DB using
// only its public Put/Get/Commit/Iterate contract.
func Example() {
	dir, err := os.MkdirTemp("", "docstore-example-*")
	if err != nil {
		fmt.Println("mkdtemp:", err)
		return
	}
	defer os.RemoveAll(dir)

	db, err := docstore.Open(dir, docstore.Options{})
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	defer db.Close()

	users := newCollection(db, "users")

	id, err := users.insert(docstore.Document{"name": "alice", "age": int8(30)})
	if err != nil {
		fmt.Println("insert:", err)
		return
	}
	if _, err := users.insert(docstore.Document{"name": "bob", "age": int8(25)}); err != nil {
		fmt.Println("insert:", err)
		return
	}

	doc, ok, err := users.find(id)
	if err != nil {
		fmt.Println("find:", err)
		return
	}
	fmt.Println(ok, doc["name"])

	// Iterate, and so findBy, only sees committed documents.
	if err := db.Commit(); err != nil {
		fmt.Println("commit:", err)
		return
	}
	fmt.Println(len(users.findBy("name", "bob")))

	// Output:
	// true alice
	// 1
}
