package core

import (
	"context"
	"testing"
	"time"
)

func syncFixture(t *testing.T, blocks uint64) (*ChainStore, *SyncHandler) {
	t.Helper()
	store := NewChainStore(NewMemoryKVDB())
	seedChain(t, store, blocks)
	return store, NewSyncHandler(store)
}

func TestHandleGetHeadersForward(t *testing.T) {
	store, handler := syncFixture(t, 10)
	start, _ := store.HashByNumber(2)

	resp := handler.HandleRequest(&SyncRequest{
		Headers: &GetHeaders{Start: start, Amount: 4},
	}, "")
	if resp.Headers == nil {
		t.Fatalf("response %+v", resp)
	}
	headers := resp.Headers.Headers
	if len(headers) != 4 {
		t.Fatalf("%d headers", len(headers))
	}
	for i, header := range headers {
		if header.Number != uint64(2+i) {
			t.Fatalf("header %d has number %d", i, header.Number)
		}
	}
}

func TestHandleGetHeadersSkipAndReverse(t *testing.T) {
	store, handler := syncFixture(t, 10)
	start, _ := store.HashByNumber(8)

	resp := handler.HandleRequest(&SyncRequest{
		Headers: &GetHeaders{Start: start, Amount: 3, Skip: 1, Reverse: true},
	}, "")
	headers := resp.Headers.Headers
	if len(headers) != 3 {
		t.Fatalf("%d headers", len(headers))
	}
	want := []uint64{8, 6, 4}
	for i, header := range headers {
		if header.Number != want[i] {
			t.Fatalf("header %d has number %d, want %d", i, header.Number, want[i])
		}
	}
}

func TestHandleGetHeadersCapsAmount(t *testing.T) {
	store, handler := syncFixture(t, 5)
	start, _ := store.HashByNumber(0)

	resp := handler.HandleRequest(&SyncRequest{
		Headers: &GetHeaders{Start: start, Amount: 10_000},
	}, "")
	// Only five blocks exist; the cap itself is 192.
	if len(resp.Headers.Headers) != 5 {
		t.Fatalf("%d headers", len(resp.Headers.Headers))
	}
}

func TestHandleGetHeadersUnknownStart(t *testing.T) {
	_, handler := syncFixture(t, 3)
	var unknown Hash
	unknown[0] = 0xee

	resp := handler.HandleRequest(&SyncRequest{
		Headers: &GetHeaders{Start: unknown, Amount: 5},
	}, "")
	if resp.Headers == nil || len(resp.Headers.Headers) != 0 {
		t.Fatalf("response %+v", resp)
	}
}

func TestHandleGetBodies(t *testing.T) {
	store, handler := syncFixture(t, 4)
	h1, _ := store.HashByNumber(1)
	var missing Hash
	missing[0] = 0x77

	resp := handler.HandleRequest(&SyncRequest{
		Bodies: &GetBodies{Hashes: []Hash{h1, missing}},
	}, "")
	if resp.Bodies == nil || len(resp.Bodies.Bodies) != 2 {
		t.Fatalf("response %+v", resp)
	}
	if resp.Bodies.Bodies[1] != nil {
		t.Fatal("missing block produced a body")
	}
}

func TestHandleGetReceipts(t *testing.T) {
	store, handler := syncFixture(t, 4)
	h2, _ := store.HashByNumber(2)

	resp := handler.HandleRequest(&SyncRequest{
		Receipts: &GetReceipts{Hashes: []Hash{h2}},
	}, "")
	if resp.Receipts == nil || len(resp.Receipts.Receipts) != 1 {
		t.Fatalf("response %+v", resp)
	}
	if len(resp.Receipts.Receipts[0]) == 0 {
		t.Fatal("receipt payload empty")
	}
}

func TestHandleGetStateSnapshotPaging(t *testing.T) {
	store, handler := syncFixture(t, 0)
	db := store.DB()
	_ = db.Put(CFState, []byte{0xaa, 1}, []byte("v1"))
	_ = db.Put(CFState, []byte{0xaa, 2}, []byte("v2"))
	_ = db.Put(CFState, []byte{0xbb, 1}, []byte("v3"))

	resp := handler.HandleRequest(&SyncRequest{
		StateSnapshot: &GetStateSnapshot{Prefix: []byte{0xaa}, Limit: 10},
	}, "")
	if resp.StateSnapshot == nil {
		t.Fatalf("response %+v", resp)
	}
	if len(resp.StateSnapshot.Entries) != 2 || !resp.StateSnapshot.Complete {
		t.Fatalf("page %+v", resp.StateSnapshot)
	}

	// Limit 1 leaves the page incomplete.
	resp = handler.HandleRequest(&SyncRequest{
		StateSnapshot: &GetStateSnapshot{Prefix: []byte{0xaa}, Limit: 1},
	}, "")
	if len(resp.StateSnapshot.Entries) != 1 || resp.StateSnapshot.Complete {
		t.Fatalf("page %+v", resp.StateSnapshot)
	}
}

func TestSyncManagerLoopback(t *testing.T) {
	store, handler := syncFixture(t, 6)
	manager, commands := NewSyncManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = RunSyncLoop(ctx, handler, "", commands)
	}()

	start, _ := store.HashByNumber(1)
	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()

	headers, err := manager.RequestHeaders(reqCtx, "", start, 3)
	if err != nil {
		t.Fatalf("request headers: %v", err)
	}
	if len(headers) != 3 || headers[0].Number != 1 {
		t.Fatalf("headers %+v", headers)
	}

	bodies, err := manager.RequestBodies(reqCtx, "", []Hash{start})
	if err != nil {
		t.Fatalf("request bodies: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("bodies %d", len(bodies))
	}

	cancel()
	<-done
}

func TestSyncManagerUnreachablePeer(t *testing.T) {
	_, handler := syncFixture(t, 2)
	manager, commands := NewSyncManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = RunSyncLoop(ctx, handler, "local-self", commands) }()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	if _, err := manager.RequestHeaders(reqCtx, "someone-else", Hash{}, 1); err == nil {
		t.Fatal("unreachable peer succeeded")
	}
}
