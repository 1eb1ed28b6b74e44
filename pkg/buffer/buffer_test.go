package buffer

import "testing"

func TestTailGrowsAndCommits(t *testing.T) {
	b := New(64)
	tail, ok := b.Tail()
	if !ok {
		t.Fatalf("expected room in a fresh buffer")
	}
	n := copy(tail, "hello")
	b.Commit(n)

	if b.Len() != 5 {
		t.Fatalf("expected 5 buffered bytes, got %d", b.Len())
	}
	if string(b.Unread()) != "hello" {
		t.Fatalf("unexpected unread data: %q", b.Unread())
	}
}

func TestConsumeAdvancesReadCursor(t *testing.T) {
	b := New(64)
	tail, _ := b.Tail()
	n := copy(tail, "abcdef")
	b.Commit(n)

	got, ok := b.Consume(3)
	if !ok || string(got) != "abc" {
		t.Fatalf("expected \"abc\", got %q ok=%v", got, ok)
	}
	if b.Len() != 3 {
		t.Fatalf("expected 3 bytes remaining, got %d", b.Len())
	}
}

func TestConsumeLineRequiresCRLF(t *testing.T) {
	b := New(64)
	tail, _ := b.Tail()
	n := copy(tail, "GET / HTTP/1.1\r\n")
	b.Commit(n)

	line, ok, err := b.ConsumeLine(1024)
	if err != nil || !ok {
		t.Fatalf("expected a complete line, got ok=%v err=%v", ok, err)
	}
	if string(line) != "GET / HTTP/1.1" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestConsumeLineRejectsBareLF(t *testing.T) {
	b := New(64)
	tail, _ := b.Tail()
	n := copy(tail, "foo\nbar")
	b.Commit(n)

	_, _, err := b.ConsumeLine(1024)
	if err == nil {
		t.Fatalf("expected an error for a bare LF")
	}
}

func TestConsumeLineIncompleteReturnsNotOK(t *testing.T) {
	b := New(64)
	tail, _ := b.Tail()
	n := copy(tail, "incomplete")
	b.Commit(n)

	line, ok, err := b.ConsumeLine(1024)
	if err != nil || ok || line != nil {
		t.Fatalf("expected (nil, false, nil) for an incomplete line, got (%q, %v, %v)", line, ok, err)
	}
}

func TestTailCompactsBeforeGrowing(t *testing.T) {
	b := New(16)
	tail, _ := b.Tail()
	n := copy(tail, "0123456789ab") // 12 of 16 bytes
	b.Commit(n)
	b.Consume(10) // only "ab" left unread

	tail, ok := b.Tail()
	if !ok {
		t.Fatalf("expected room after compaction")
	}
	if len(tail) < 10 {
		t.Fatalf("expected compaction to free space, got tail len %d", len(tail))
	}
	if string(b.Unread()) != "ab" {
		t.Fatalf("compaction corrupted unread data: %q", b.Unread())
	}
}

func TestTailReportsFullAtMax(t *testing.T) {
	b := New(8)
	tail, _ := b.Tail()
	n := copy(tail, "12345678")
	b.Commit(n)

	_, ok := b.Tail()
	if ok {
		t.Fatalf("expected no room once the buffer is at its max with nothing consumed")
	}
}

func TestReset(t *testing.T) {
	b := New(64)
	tail, _ := b.Tail()
	n := copy(tail, "data")
	b.Commit(n)
	b.Reset()

	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after Reset, got %d", b.Len())
	}
}
