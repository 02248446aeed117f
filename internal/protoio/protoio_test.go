package protoio

import (
	"io/ioutil"
	"os"
	"testing"

	"kannader.org/kannader/internal/userdb"
)

func mustTempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "safeio_test")
	if err != nil {
		t.Fatal(err)
	}

	err = os.Chdir(dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("test directory: %q", dir)

	return dir
}

func TestBin(t *testing.T) {
	dir := mustTempDir(t)
	pb := &userdb.Plain{Password: []byte("hola")}

	if err := WriteMessage("f", pb, 0600); err != nil {
		t.Error(err)
	}

	pb2 := &userdb.Plain{}
	if err := ReadMessage("f", pb2); err != nil {
		t.Error(err)
	}
	if string(pb.Password) != string(pb2.Password) {
		t.Errorf("content mismatch, got %q, expected %q", pb2.Password, pb.Password)
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

func TestText(t *testing.T) {
	dir := mustTempDir(t)
	pb := &userdb.Plain{Password: []byte("hola")}

	if err := WriteTextMessage("f", pb, 0600); err != nil {
		t.Error(err)
	}

	pb2 := &userdb.Plain{}
	if err := ReadTextMessage("f", pb2); err != nil {
		t.Error(err)
	}
	if string(pb.Password) != string(pb2.Password) {
		t.Errorf("content mismatch, got %q, expected %q", pb2.Password, pb.Password)
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

type storeValue struct {
	Name  string
	Count int
}

func TestStoreRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "protoio_store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := st.Put("a", &storeValue{Name: "a", Count: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put("b", &storeValue{Name: "b", Count: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := st.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	var v storeValue
	ok, err := st.Get("a", &v)
	if err != nil || !ok {
		t.Fatalf("Get(a): ok=%v err=%v", ok, err)
	}
	if v.Count != 1 {
		t.Errorf("got Count=%d, want 1", v.Count)
	}

	ok, err = st.Get("nope", &v)
	if ok || err != nil {
		t.Errorf("Get(nope): ok=%v err=%v", ok, err)
	}

	if err := st.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, err = st.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs after remove: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids after remove, want 1", len(ids))
	}
}
