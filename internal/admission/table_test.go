package admission

import "testing"

func TestAdmitsUpToMaxSendDistinctRemotes(t *testing.T) {
	tbl := New(2)
	if !tbl.CanAdmitUpload("a", "h1") {
		t.Fatal("first remote should be admitted")
	}
	tbl.AdmitUpload("a", "h1")
	if !tbl.CanAdmitUpload("b", "h2") {
		t.Fatal("second distinct remote should be admitted")
	}
	tbl.AdmitUpload("b", "h2")
	if tbl.CanAdmitUpload("c", "h3") {
		t.Fatal("third distinct remote should be denied: max_send=2")
	}
}

func TestSameRemoteSameHashIsIdempotent(t *testing.T) {
	tbl := New(1)
	tbl.AdmitUpload("a", "h1")
	if !tbl.CanAdmitUpload("a", "h1") {
		t.Fatal("a retried GET for the same (remote, hash) must remain admissible")
	}
}

func TestSameRemoteDifferentHashDenied(t *testing.T) {
	tbl := New(2)
	tbl.AdmitUpload("a", "h1")
	if tbl.CanAdmitUpload("a", "h2") {
		t.Fatal("one peer pair may only have one chunk in flight per direction")
	}
}

func TestReleaseUploadFreesSlot(t *testing.T) {
	tbl := New(1)
	tbl.AdmitUpload("a", "h1")
	tbl.ReleaseUpload("a")
	if !tbl.CanAdmitUpload("b", "h2") {
		t.Fatal("releasing a slot should allow a new remote in")
	}
}

func TestHasCapacityIgnoresPerRemoteState(t *testing.T) {
	tbl := New(1)
	if !tbl.HasCapacity() {
		t.Fatal("empty table should have capacity")
	}
	tbl.AdmitUpload("a", "h1")
	if tbl.HasCapacity() {
		t.Fatal("table at max_send should report no capacity")
	}
}

func TestStartDownloadRejectsConcurrentDifferentHash(t *testing.T) {
	tbl := New(1)
	if err := tbl.StartDownload("a", "h1"); err != nil {
		t.Fatalf("first download should start: %v", err)
	}
	if err := tbl.StartDownload("a", "h2"); err == nil {
		t.Fatal("expected error for second concurrent chunk from same remote")
	}
}
