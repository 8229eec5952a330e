package manager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
)

func TestCandidatesFiltersAndDedups(t *testing.T) {
	got := Candidates([]string{"a.png", "a.png", "b.exe", "b.PNG?x=1", "", "  ", "c.JPEG#frag", "d.svg.txt", "e.webp"})
	want := []string{"a.png", "b.PNG?x=1", "c.JPEG#frag", "e.webp"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected candidates: %v", got)
	}
}

func TestCandidatesExtensions(t *testing.T) {
	for _, ext := range []string{"png", "jpg", "jpeg", "webp", "gif", "avif", "svg", "bmp", "ico", "PnG"} {
		if len(Candidates([]string{"/img/x." + ext})) != 1 {
			t.Fatalf("expected .%s to be accepted", ext)
		}
	}
	for _, raw := range []string{"/img/x.exe", "/img/png", "/img/x.pngx", "/img/x.png.exe"} {
		if len(Candidates([]string{raw})) != 0 {
			t.Fatalf("expected %s to be rejected", raw)
		}
	}
}

func TestWarmUpFetchesOnlyDedupedImages(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := &fakeFetcher{}
	mgr := newActiveManager(t, testOptions(storage, fetcher))

	summary := mgr.WarmUp(context.Background(), []string{"a.png", "a.png", "b.exe", "b.PNG?x=1"})

	got := fetcher.calledURLs()
	sort.Strings(got)
	want := []string{"https://img.example.com/a.png", "https://img.example.com/b.PNG?x=1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected fetched urls: %v", got)
	}
	if summary.Count(WarmStored) != 2 {
		t.Fatalf("expected 2 stored, got %+v", summary.Results)
	}
	for _, call := range fetcher.calls {
		if call.Mode != fetch.ModeNoCORS {
			t.Fatalf("warm-up must fetch in no-cors mode, got %s", call.Mode)
		}
	}
}

func TestWarmUpCapsConcurrency(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}
	mgr := newActiveManager(t, testOptions(storage, fetcher))

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = fmt.Sprintf("/img/%02d.png", i)
	}
	summary := mgr.WarmUp(context.Background(), urls)

	if fetcher.callCount() != 20 {
		t.Fatalf("expected 20 fetches, got %d", fetcher.callCount())
	}
	if peak := fetcher.peak(); peak != 6 {
		t.Fatalf("expected a full chunk of 6 fetches in flight, got %d", peak)
	}
	if summary.Count(WarmStored) != 20 {
		t.Fatalf("expected every url stored, got %d", summary.Count(WarmStored))
	}

	// 分块之间必须串行：下一块的任何请求都不能早于上一块全部结束。
	spanOf := func(i int) fetchSpan {
		target := fmt.Sprintf("https://img.example.com/img/%02d.png", i)
		span, ok := fetcher.span(target)
		if !ok {
			t.Fatalf("missing fetch for %s", target)
		}
		return span
	}
	for chunk := 6; chunk < len(urls); chunk += 6 {
		var lastEnd time.Time
		for i := chunk - 6; i < chunk; i++ {
			if end := spanOf(i).end; end.After(lastEnd) {
				lastEnd = end
			}
		}
		for i := chunk; i < min(chunk+6, len(urls)); i++ {
			if start := spanOf(i).start; start.Before(lastEnd) {
				t.Fatalf("url %d started before chunk ending at %d finished", i, chunk-1)
			}
		}
	}
}

func TestWarmUpSkipsCachedAndSurvivesFailures(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := &fakeFetcher{respond: func(req fetch.Request) (*fetch.Response, error) {
		switch {
		case strings.Contains(req.URL, "broken"):
			return nil, errors.New("dial tcp: timeout")
		case strings.Contains(req.URL, "missing"):
			return imageResponse(req.URL, 404, fetch.TypeBasic), nil
		case strings.Contains(req.URL, "cdn"):
			return imageResponse(req.URL, 0, fetch.TypeOpaque), nil
		}
		return imageResponse(req.URL, 200, fetch.TypeBasic), nil
	}}
	mgr := newActiveManager(t, testOptions(storage, fetcher))

	store, _ := storage.Open(context.Background(), testStore)
	seeded := cache.NewRequestKey("GET", "https://img.example.com/cached.png")
	if err := store.Put(context.Background(), seeded, cache.StoredResponse{Status: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	summary := mgr.WarmUp(context.Background(), []string{
		"/cached.png",
		"/broken.png",
		"/missing.png",
		"https://cdn.example.net/opaque.webp",
		"/ok.gif",
	})

	want := []WarmOutcome{WarmCached, WarmFailed, WarmSkipped, WarmStored, WarmStored}
	for i, result := range summary.Results {
		if result.Outcome != want[i] {
			t.Fatalf("result %d (%s): expected %s, got %s", i, result.URL, want[i], result.Outcome)
		}
	}
	if summary.Results[1].Err == nil {
		t.Fatalf("failed result should keep its error")
	}
	if summary.Results[2].Status != 404 {
		t.Fatalf("skipped result should keep status, got %d", summary.Results[2].Status)
	}
	for _, called := range fetcher.calledURLs() {
		if strings.Contains(called, "cached.png") {
			t.Fatalf("cached url must not be fetched")
		}
	}
	if keys := storeKeys(t, storage); len(keys) != 3 {
		t.Fatalf("expected 3 entries (seed + 2 stored), got %d", len(keys))
	}
}

func TestWarmUpPrunesOncePerBatch(t *testing.T) {
	storage := &faultyStorage{Storage: newMemoryStorage(t)}
	fetcher := &fakeFetcher{}
	opts := testOptions(storage, fetcher)
	opts.Limits = cache.Limits{MaxEntries: 5, PruneBuffer: 2}
	mgr := newActiveManager(t, opts)

	urls := make([]string, 13)
	for i := range urls {
		urls[i] = fmt.Sprintf("/img/%02d.png", i)
	}
	summary := mgr.WarmUp(context.Background(), urls)

	if calls := storage.keysCalls.Load(); calls != 1 {
		t.Fatalf("expected exactly one prune pass, got %d", calls)
	}
	if summary.Pruned != 8 || summary.PruneErr != nil {
		t.Fatalf("expected 8 pruned, got %d (%v)", summary.Pruned, summary.PruneErr)
	}
	if keys := storeKeys(t, storage); len(keys) != 5 {
		t.Fatalf("expected store to settle at 5, got %d", len(keys))
	}
}

func TestWarmUpEmptyBatch(t *testing.T) {
	storage := &faultyStorage{Storage: newMemoryStorage(t)}
	mgr := newActiveManager(t, testOptions(storage, &fakeFetcher{}))

	summary := mgr.WarmUp(context.Background(), []string{"", "b.exe"})
	if len(summary.Results) != 0 {
		t.Fatalf("expected no results, got %v", summary.Results)
	}
	if storage.keysCalls.Load() != 0 {
		t.Fatalf("empty batch should not prune")
	}
}

func TestWarmUpOpenFailureMarksAllFailed(t *testing.T) {
	storage := &faultyStorage{Storage: newMemoryStorage(t)}
	fetcher := &fakeFetcher{}
	mgr := newActiveManager(t, testOptions(storage, fetcher))
	storage.openErr = errors.New("backend down")

	summary := mgr.WarmUp(context.Background(), []string{"a.png", "b.png"})
	if summary.Count(WarmFailed) != 2 {
		t.Fatalf("expected all failed, got %+v", summary.Results)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("no fetch expected without a store")
	}
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		ok      bool
		urls    []string
	}{
		{"valid", `{"action":"cacheImages","urls":["a.png","b.jpg"]}`, true, []string{"a.png", "b.jpg"}},
		{"mixed types", `{"action":"cacheImages","urls":["a.png",1,null,{"x":1}]}`, true, []string{"a.png"}},
		{"empty urls", `{"action":"cacheImages","urls":[]}`, true, nil},
		{"other action", `{"action":"purge","urls":["a.png"]}`, false, nil},
		{"urls not array", `{"action":"cacheImages","urls":"a.png"}`, false, nil},
		{"missing urls", `{"action":"cacheImages"}`, false, nil},
		{"not object", `["a.png"]`, false, nil},
		{"invalid json", `{"action":`, false, nil},
		{"empty", ``, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			urls, ok := ParseMessage([]byte(tc.payload))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !reflect.DeepEqual(urls, tc.urls) {
				t.Fatalf("unexpected urls: %v", urls)
			}
		})
	}
}

func TestHandleMessageStartsWarmUp(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := &fakeFetcher{}
	mgr := newActiveManager(t, testOptions(storage, fetcher))

	if mgr.HandleMessage([]byte(`{"action":"noop"}`)) {
		t.Fatalf("unknown action should be ignored")
	}
	if !mgr.HandleMessage([]byte(`{"action":"cacheImages","urls":["/a.png","/b.png"]}`)) {
		t.Fatalf("valid message should be accepted")
	}
	mgr.Wait()

	if keys := storeKeys(t, storage); len(keys) != 2 {
		t.Fatalf("expected warm-up to populate the store, got %d entries", len(keys))
	}
}
