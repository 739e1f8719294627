package prescription

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- fakes ---

type mockRecordRepo struct {
	mu       sync.Mutex
	records  map[string]*model.PrescriptionRecord
	replaced []*model.PrescriptionRecord
	findErr  error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: map[string]*model.PrescriptionRecord{}}
}

func (m *mockRecordRepo) FindByReceteNo(_ context.Context, receteNo string) (*model.PrescriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.records[receteNo], nil
}

func (m *mockRecordRepo) FindByReceteNos(_ context.Context, receteNos []string) (map[string]*model.PrescriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*model.PrescriptionRecord{}
	for _, no := range receteNos {
		if r, ok := m.records[no]; ok {
			out[no] = r
		}
	}
	return out, nil
}

func (m *mockRecordRepo) Replace(_ context.Context, record *model.PrescriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ReceteNo] = record
	m.replaced = append(m.replaced, record)
	return nil
}

func (m *mockRecordRepo) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = map[string]*model.PrescriptionRecord{}
	return nil
}

type mockSession struct {
	calls      int
	ensureFunc func() error
}

func (m *mockSession) Ensure(_ context.Context, _ browser.Driver, _ model.Credentials) error {
	m.calls++
	if m.ensureFunc != nil {
		return m.ensureFunc()
	}
	return nil
}

type mockNavigator struct {
	calls     []string
	state     func(receteNo string) model.PageState
	searchErr error
}

func (m *mockNavigator) Search(_ context.Context, _ browser.Driver, receteNo string) (model.PageState, error) {
	m.calls = append(m.calls, receteNo)
	if m.searchErr != nil {
		return model.PageState{}, m.searchErr
	}
	if m.state != nil {
		return m.state(receteNo), nil
	}
	return model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: receteNo}, nil
}

type mockScraper struct {
	calls      int
	scrapeFunc func(receteNo string) (*model.PrescriptionRecord, error)
}

func (m *mockScraper) Scrape(_ context.Context, _ browser.Driver, receteNo string) (*model.PrescriptionRecord, error) {
	m.calls++
	if m.scrapeFunc != nil {
		return m.scrapeFunc(receteNo)
	}
	return &model.PrescriptionRecord{
		ReceteNo:  receteNo,
		Medicines: []model.MedicineLine{{ReceteNo: receteNo, Barkod: "111", IsReportRequired: true}},
	}, nil
}

type mockDetector struct {
	state model.PageState
}

func (m *mockDetector) Detect(_ context.Context, _ browser.Driver) model.PageState {
	return m.state
}

type mockCredentials struct {
	creds model.Credentials
}

func (m *mockCredentials) Credentials(_ context.Context) (model.Credentials, error) {
	return m.creds, nil
}

// mockRunner はWithPageの呼び出し回数を数える。ドライバーはnilで渡す。
type mockRunner struct {
	calls int
}

func (m *mockRunner) WithPage(ctx context.Context, fn func(ctx context.Context, d browser.Driver) error) error {
	m.calls++
	return fn(ctx, nil)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *mockPublisher) Publish(kind events.Kind, payload any) events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := events.Event{ID: "evt", Kind: kind, Payload: payload}
	m.events = append(m.events, e)
	return e
}

type fixture struct {
	repo      *mockRecordRepo
	session   *mockSession
	navigator *mockNavigator
	scraper   *mockScraper
	detector  *mockDetector
	runner    *mockRunner
	publisher *mockPublisher
	creds     *mockCredentials
	fetcher   *Fetcher
}

func newFixture() *fixture {
	fx := &fixture{
		repo:      newMockRecordRepo(),
		session:   &mockSession{},
		navigator: &mockNavigator{},
		scraper:   &mockScraper{},
		detector:  &mockDetector{},
		runner:    &mockRunner{},
		publisher: &mockPublisher{},
		creds:     &mockCredentials{creds: model.Credentials{Username: "eczane01", Password: "sifre"}},
	}
	var buf bytes.Buffer
	fx.fetcher = NewFetcher(Deps{
		Records:     fx.repo,
		Session:     fx.session,
		Navigator:   fx.navigator,
		Scraper:     fx.scraper,
		Detector:    fx.detector,
		Credentials: fx.creds,
		Pages:       fx.runner,
		Publisher:   fx.publisher,
		Logger:      newTestLogger(&buf),
	})
	return fx
}

// --- Fetch ---

func TestFetch_CachedRecord_NoNavigation(t *testing.T) {
	fx := newFixture()
	cached := &model.PrescriptionRecord{ReceteNo: "3K7QX12", CachedAt: time.Now()}
	fx.repo.records["3K7QX12"] = cached

	got, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false)
	if err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	if got != cached {
		t.Error("キャッシュの処方箋が返されていない")
	}
	if fx.runner.calls != 0 || len(fx.navigator.calls) != 0 || fx.session.calls != 0 {
		t.Errorf("キャッシュヒット時にポータルを操作した: runner=%d search=%d ensure=%d",
			fx.runner.calls, len(fx.navigator.calls), fx.session.calls)
	}
	if len(fx.publisher.events) != 0 {
		t.Errorf("events = %d, want 0", len(fx.publisher.events))
	}
}

func TestFetch_CacheMiss_ScrapesAndStores(t *testing.T) {
	fx := newFixture()

	got, err := fx.fetcher.Fetch(context.Background(), " 3K7QX12 ", false)
	if err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	if got.ReceteNo != "3K7QX12" || got.CachedAt.IsZero() {
		t.Errorf("record = %+v", got)
	}
	if fx.session.calls != 1 {
		t.Errorf("Ensure calls = %d, want 1", fx.session.calls)
	}
	if len(fx.navigator.calls) != 1 || fx.navigator.calls[0] != "3K7QX12" {
		t.Errorf("Search calls = %v", fx.navigator.calls)
	}
	if fx.repo.records["3K7QX12"] != got {
		t.Error("キャッシュに保存されていない")
	}
	if len(fx.publisher.events) != 1 || fx.publisher.events[0].Kind != events.KindRecordFetched {
		t.Fatalf("events = %+v", fx.publisher.events)
	}
	if p := fx.publisher.events[0].Payload.(events.RecordFetched); p.Auto || p.MedicineCount != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestFetch_Force_ReplacesWholesale(t *testing.T) {
	fx := newFixture()
	fx.repo.records["3K7QX12"] = &model.PrescriptionRecord{
		ReceteNo:     "3K7QX12",
		FacilityCode: "OLD",
		Medicines: []model.MedicineLine{
			{ReceteNo: "3K7QX12", Barkod: "111"},
			{ReceteNo: "3K7QX12", Barkod: "999"},
		},
	}
	fx.scraper.scrapeFunc = func(receteNo string) (*model.PrescriptionRecord, error) {
		return &model.PrescriptionRecord{
			ReceteNo:  receteNo,
			Medicines: []model.MedicineLine{{ReceteNo: receteNo, Barkod: "111", Name: "YENİ"}},
		}, nil
	}

	got, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", true)
	if err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	if fx.scraper.calls != 1 {
		t.Errorf("Scrape calls = %d, want 1", fx.scraper.calls)
	}
	stored := fx.repo.records["3K7QX12"]
	if stored != got || stored.FacilityCode != "" || len(stored.Medicines) != 1 || stored.Medicines[0].Name != "YENİ" {
		t.Errorf("stored = %+v, want full replacement", stored)
	}
}

func TestFetch_RecordNotFound(t *testing.T) {
	tests := []struct {
		name  string
		state model.PageState
	}{
		{"該当なし", model.PageState{Kind: model.PageOther}},
		{"別の処方箋", model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: "OTHER1"}},
		{"ログイン画面に戻された", model.PageState{Kind: model.PageLoginForm}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			fx.navigator.state = func(string) model.PageState { return tt.state }

			_, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false)
			if !model.IsCode(err, model.ErrCodeRecordNotFound) {
				t.Fatalf("Fetch() error = %v, want %s", err, model.ErrCodeRecordNotFound)
			}
			if fx.scraper.calls != 0 || len(fx.repo.replaced) != 0 {
				t.Error("見つからない場合は読み取り・保存しない")
			}
		})
	}
}

func TestFetch_EnsureFailurePropagates(t *testing.T) {
	fx := newFixture()
	fx.session.ensureFunc = func() error { return model.NewIPNotAuthorizedError("IP adresiniz yetkili değil") }

	_, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false)
	if !model.IsCode(err, model.ErrCodeIPNotAuthorized) {
		t.Fatalf("Fetch() error = %v, want %s", err, model.ErrCodeIPNotAuthorized)
	}
	if len(fx.navigator.calls) != 0 {
		t.Error("ログインに失敗した場合は検索しない")
	}
}

func TestFetch_MissingCredentials(t *testing.T) {
	fx := newFixture()
	fx.creds.creds = model.Credentials{}

	_, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false)
	if !model.IsCode(err, model.ErrCodeMissingCredentials) {
		t.Fatalf("Fetch() error = %v, want %s", err, model.ErrCodeMissingCredentials)
	}
	if fx.runner.calls != 0 {
		t.Error("認証情報がない場合はページを操作しない")
	}
}

func TestFetch_EmptyReceteNo(t *testing.T) {
	fx := newFixture()
	_, err := fx.fetcher.Fetch(context.Background(), "  ", false)
	if !model.IsCode(err, model.ErrCodeInvalidRequest) {
		t.Errorf("Fetch() error = %v, want %s", err, model.ErrCodeInvalidRequest)
	}
}

func TestFetch_CacheLookupError(t *testing.T) {
	fx := newFixture()
	fx.repo.findErr = errors.New("connection refused")

	if _, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false); err == nil {
		t.Fatal("expected error")
	}
	if fx.runner.calls != 0 {
		t.Error("キャッシュ参照に失敗した場合はポータルを操作しない")
	}
}

func TestFetch_ScrapeIncompleteIsNotStored(t *testing.T) {
	fx := newFixture()
	fx.scraper.scrapeFunc = func(string) (*model.PrescriptionRecord, error) {
		return nil, model.NewScrapeIncompleteError("111", errors.New("timeout"))
	}

	_, err := fx.fetcher.Fetch(context.Background(), "3K7QX12", false)
	if !model.IsCode(err, model.ErrCodeScrapeIncomplete) {
		t.Fatalf("Fetch() error = %v, want %s", err, model.ErrCodeScrapeIncomplete)
	}
	if len(fx.repo.replaced) != 0 {
		t.Error("読み取りが不完全な処方箋を保存した")
	}
}

// --- AutoFetch ---

func TestAutoFetch_ScrapesOpenDetailOnce(t *testing.T) {
	fx := newFixture()
	fx.detector.state = model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: "3K7QX12"}
	ctx := context.Background()

	stored, err := fx.fetcher.AutoFetch(ctx, "3K7QX12")
	if err != nil || !stored {
		t.Fatalf("AutoFetch() = %v, %v, want true, nil", stored, err)
	}
	if len(fx.navigator.calls) != 0 || fx.session.calls != 0 {
		t.Error("自動取得で画面遷移・ログインを行った")
	}
	if p := fx.publisher.events[0].Payload.(events.RecordFetched); !p.Auto {
		t.Errorf("payload = %+v, want Auto", p)
	}

	// 同じ番号への2回目は何もしない
	fx.repo.records = map[string]*model.PrescriptionRecord{}
	stored, err = fx.fetcher.AutoFetch(ctx, "3K7QX12")
	if err != nil || stored {
		t.Fatalf("AutoFetch() = %v, %v, want false, nil", stored, err)
	}
	if fx.scraper.calls != 1 {
		t.Errorf("Scrape calls = %d, want 1", fx.scraper.calls)
	}

	// ForgetAuto後は再度取得する
	fx.fetcher.ForgetAuto()
	if stored, _ := fx.fetcher.AutoFetch(ctx, "3K7QX12"); !stored {
		t.Error("ForgetAuto後に取得されない")
	}
}

func TestAutoFetch_CachedRecord(t *testing.T) {
	fx := newFixture()
	fx.repo.records["3K7QX12"] = &model.PrescriptionRecord{ReceteNo: "3K7QX12"}

	stored, err := fx.fetcher.AutoFetch(context.Background(), "3K7QX12")
	if err != nil || stored {
		t.Fatalf("AutoFetch() = %v, %v, want false, nil", stored, err)
	}
	if fx.runner.calls != 0 {
		t.Error("キャッシュ済みの場合はページを操作しない")
	}
}

func TestAutoFetch_PageMovedBeforeScrape(t *testing.T) {
	fx := newFixture()
	fx.detector.state = model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: "OTHER1"}

	stored, err := fx.fetcher.AutoFetch(context.Background(), "3K7QX12")
	if err != nil || stored {
		t.Fatalf("AutoFetch() = %v, %v, want false, nil", stored, err)
	}
	if fx.scraper.calls != 0 || len(fx.repo.replaced) != 0 {
		t.Error("画面が移った場合は読み取らない")
	}
}

func TestAutoFetch_AfterManualFetchIsSkipped(t *testing.T) {
	fx := newFixture()
	fx.detector.state = model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: "3K7QX12"}
	ctx := context.Background()

	if _, err := fx.fetcher.Fetch(ctx, "3K7QX12", true); err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	stored, err := fx.fetcher.AutoFetch(ctx, "3K7QX12")
	if err != nil || stored {
		t.Fatalf("AutoFetch() = %v, %v, want false, nil", stored, err)
	}
	if fx.runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", fx.runner.calls)
	}
}
