package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seg(seq uint64, keyframe bool) *MediaSegment {
	return &MediaSegment{
		Sequence:   seq,
		Keyframe:   keyframe,
		Data:       []byte{byte(seq)},
		ProducedAt: time.Now(),
	}
}

func testKey() Key {
	return Key{ChannelID: "abc123", Format: "fmp4"}
}

func TestSubscriberSkipsUntilKeyframe(t *testing.T) {
	sub := newSubscriber(testKey(), 8)

	if err := sub.push(seg(0, false)); err != nil {
		t.Fatal(err)
	}
	if err := sub.push(seg(1, true)); err != nil {
		t.Fatal(err)
	}
	if err := sub.push(seg(2, false)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Keyframe || first.Sequence != 1 {
		t.Errorf("first delivered segment must be the keyframe, got seq=%d keyframe=%v", first.Sequence, first.Keyframe)
	}

	second, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence != 2 {
		t.Errorf("sequences must increase, got %d after %d", second.Sequence, first.Sequence)
	}
}

func TestSubscriberDropsOldestNonKeyframesFirst(t *testing.T) {
	sub := newSubscriber(testKey(), 4)

	if err := sub.push(seg(0, true)); err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 4; i++ {
		if err := sub.push(seg(i, false)); err != nil {
			t.Fatal(err)
		}
	}
	// Pushing seq 4 already went over bound and dropped seq 1, the oldest
	// non-keyframe; pushing seq 5 drops seq 2 the same way.
	if err := sub.push(seg(5, false)); err != nil {
		t.Fatalf("drop policy should have made room: %v", err)
	}
	if sub.DropCount() == 0 {
		t.Error("expected drops to be counted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Sequence != 0 {
		t.Errorf("keyframe should survive the drop, got seq %d first", first.Sequence)
	}

	var got []uint64
	for i := 0; i < 3; i++ {
		s, err := sub.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, s.Sequence)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("sequences not strictly increasing: %v", got)
		}
	}
}

func TestSubscriberSlowConsumerDisconnect(t *testing.T) {
	sub := newSubscriber(testKey(), 2)

	// All keyframes: nothing is droppable, so overflow disconnects.
	var pushErr error
	for i := uint64(0); i < 5; i++ {
		pushErr = sub.push(seg(i, true))
		if pushErr != nil {
			break
		}
	}
	if !errors.Is(pushErr, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", pushErr)
	}

	// Queue drains, then the disconnect error surfaces.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrSlowConsumer) {
				t.Fatalf("expected ErrSlowConsumer, got %v", err)
			}
			return
		}
	}
}

func TestSubscriberNextBlocksUntilPush(t *testing.T) {
	sub := newSubscriber(testKey(), 8)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = sub.push(seg(0, true))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Sequence != 0 {
		t.Errorf("got seq %d", s.Sequence)
	}
}

func TestSubscriberNextHonorsContext(t *testing.T) {
	sub := newSubscriber(testKey(), 8)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline, got %v", err)
	}
}

func TestSubscriberStalled(t *testing.T) {
	sub := newSubscriber(testKey(), 8)
	if sub.stalled(time.Millisecond) {
		t.Error("empty queue must never count as stalled")
	}

	_ = sub.push(seg(0, true))
	time.Sleep(20 * time.Millisecond)
	if !sub.stalled(10 * time.Millisecond) {
		t.Error("unread queued data should count as stalled")
	}
}

func TestRingKeyframeCatchup(t *testing.T) {
	r := newSegmentRing(4)

	if r.sinceNewestKeyframe() != nil {
		t.Error("empty ring should have no catch-up")
	}

	r.push(seg(0, true))
	r.push(seg(1, false))
	r.push(seg(2, true))
	r.push(seg(3, false))

	catch := r.sinceNewestKeyframe()
	if len(catch) != 2 || catch[0].Sequence != 2 {
		t.Errorf("expected catch-up from seq 2, got %+v", catch)
	}

	// Eviction keeps only the newest N.
	r.push(seg(4, false))
	r.push(seg(5, false))
	if r.len() != 4 {
		t.Errorf("ring should hold 4 segments, got %d", r.len())
	}
	catch = r.sinceNewestKeyframe()
	if len(catch) != 4 || catch[0].Sequence != 2 {
		t.Errorf("expected catch-up from seq 2 over 4 segments, got len=%d", len(catch))
	}
}

func TestBandwidthTracker(t *testing.T) {
	bw := NewBandwidthTracker()
	bw.Add(1000)
	time.Sleep(20 * time.Millisecond)

	rate := bw.Sample()
	if rate == 0 {
		t.Error("expected nonzero rate after adding bytes")
	}
	if bw.TotalBytes() != 1000 {
		t.Errorf("total bytes %d, want 1000", bw.TotalBytes())
	}

	// No new bytes: next sample rate is zero.
	time.Sleep(10 * time.Millisecond)
	if rate := bw.Sample(); rate != 0 {
		t.Errorf("expected zero rate, got %d", rate)
	}
}
