// Package prescription は処方箋の取得とキャッシュを扱う。
package prescription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
	"github.com/hitoshi/receteci/internal/repository"
)

// SessionEnsurer はポータルへのログイン状態を保証する。
type SessionEnsurer interface {
	Ensure(ctx context.Context, d browser.Driver, creds model.Credentials) error
}

// RecordNavigator は処方箋を検索して結果画面の状態を返す。
type RecordNavigator interface {
	Search(ctx context.Context, d browser.Driver, receteNo string) (model.PageState, error)
}

// DetailScraper は表示中の処方箋詳細画面を読み取る。
type DetailScraper interface {
	Scrape(ctx context.Context, d browser.Driver, receteNo string) (*model.PrescriptionRecord, error)
}

// PageDetector は現在の画面を分類する。
type PageDetector interface {
	Detect(ctx context.Context, d browser.Driver) model.PageState
}

// CredentialProvider はログインのたびに認証情報を返す。
type CredentialProvider interface {
	Credentials(ctx context.Context) (model.Credentials, error)
}

// PageRunner はページロックを取得した状態でfnを実行する。
type PageRunner interface {
	WithPage(ctx context.Context, fn func(ctx context.Context, d browser.Driver) error) error
}

// errPageChanged は自動取得中に画面が別の処方箋に移ったことを表す。
var errPageChanged = errors.New("画面が別の処方箋に移りました")

// Fetcher は処方箋をキャッシュまたはポータルから取得する。
type Fetcher struct {
	records   repository.RecordRepository
	session   SessionEnsurer
	navigator RecordNavigator
	scraper   DetailScraper
	detector  PageDetector
	creds     CredentialProvider
	pages     PageRunner
	publisher events.Publisher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time

	mu       sync.Mutex
	lastAuto string // 直近に自動取得を試みた処方箋番号
}

// Deps はFetcherの依存コンポーネント。
type Deps struct {
	Records     repository.RecordRepository
	Session     SessionEnsurer
	Navigator   RecordNavigator
	Scraper     DetailScraper
	Detector    PageDetector
	Credentials CredentialProvider
	Pages       PageRunner
	Publisher   events.Publisher
	Logger      *slog.Logger
	Metrics     metrics.MetricsCollector
}

// NewFetcher はFetcherを生成する。
func NewFetcher(d Deps) *Fetcher {
	return &Fetcher{
		records:   d.Records,
		session:   d.Session,
		navigator: d.Navigator,
		scraper:   d.Scraper,
		detector:  d.Detector,
		creds:     d.Credentials,
		pages:     d.Pages,
		publisher: d.Publisher,
		logger:    d.Logger,
		metrics:   metrics.OrNop(d.Metrics),
		now:       time.Now,
	}
}

// Fetch は処方箋を返す。forceがfalseでキャッシュがあればポータルを操作しない。
// それ以外はログインを保証してから検索し、読み取った処方箋でキャッシュを丸ごと置き換える。
func (f *Fetcher) Fetch(ctx context.Context, receteNo string, force bool) (*model.PrescriptionRecord, error) {
	receteNo = model.NormalizeText(receteNo)
	if receteNo == "" {
		return nil, model.NewInvalidRequestError("処方箋番号が空です")
	}

	if !force {
		cached, err := f.cached(ctx, receteNo)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	creds, err := f.creds.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}
	if !creds.Complete() {
		return nil, model.NewMissingCredentialsError()
	}

	var record *model.PrescriptionRecord
	err = f.pages.WithPage(ctx, func(ctx context.Context, d browser.Driver) error {
		if err := f.session.Ensure(ctx, d, creds); err != nil {
			return err
		}
		state, err := f.navigator.Search(ctx, d, receteNo)
		if err != nil {
			return err
		}
		if state.Kind != model.PagePrescriptionDetail || state.ReceteNo != receteNo {
			f.logger.Info("処方箋が見つかりませんでした",
				slog.String("recete_no", receteNo),
				slog.String("page", string(state.Kind)),
				slog.String("shown_recete_no", state.ReceteNo),
			)
			return model.NewRecordNotFoundError(receteNo)
		}
		record, err = f.scraper.Scrape(ctx, d, receteNo)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := f.store(ctx, record, false); err != nil {
		return nil, err
	}

	// 取得後は詳細画面が表示されたままなので、自動取得の対象から外す
	f.mu.Lock()
	f.lastAuto = receteNo
	f.mu.Unlock()
	return record, nil
}

// AutoFetch はユーザーが開いている処方箋詳細画面をそのまま読み取ってキャッシュする。
// 同じ処方箋番号への連続した呼び出しは1回目のみ処理する。画面遷移は行わない。
// キャッシュした場合はtrueを返す。
func (f *Fetcher) AutoFetch(ctx context.Context, receteNo string) (bool, error) {
	receteNo = model.NormalizeText(receteNo)
	if receteNo == "" {
		return false, nil
	}

	f.mu.Lock()
	if f.lastAuto == receteNo {
		f.mu.Unlock()
		return false, nil
	}
	f.lastAuto = receteNo
	f.mu.Unlock()

	cached, err := f.cached(ctx, receteNo)
	if err != nil {
		return false, err
	}
	if cached != nil {
		return false, nil
	}

	var record *model.PrescriptionRecord
	err = f.pages.WithPage(ctx, func(ctx context.Context, d browser.Driver) error {
		state := f.detector.Detect(ctx, d)
		if state.Kind != model.PagePrescriptionDetail || state.ReceteNo != receteNo {
			return errPageChanged
		}
		var err error
		record, err = f.scraper.Scrape(ctx, d, receteNo)
		return err
	})
	if errors.Is(err, errPageChanged) {
		f.logger.Debug("自動取得前に画面が移りました", slog.String("recete_no", receteNo))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := f.store(ctx, record, true); err != nil {
		return false, err
	}
	return true, nil
}

// ForgetAuto は自動取得の重複排除をリセットする。キャッシュのクリア後に呼ぶ。
func (f *Fetcher) ForgetAuto() {
	f.mu.Lock()
	f.lastAuto = ""
	f.mu.Unlock()
}

func (f *Fetcher) cached(ctx context.Context, receteNo string) (*model.PrescriptionRecord, error) {
	record, err := f.records.FindByReceteNo(ctx, receteNo)
	if err != nil {
		return nil, fmt.Errorf("処方箋キャッシュの取得に失敗しました: %w", err)
	}
	f.metrics.RecordCacheLookup("record_details", record != nil)
	return record, nil
}

func (f *Fetcher) store(ctx context.Context, record *model.PrescriptionRecord, auto bool) error {
	record.CachedAt = f.now()
	if err := f.records.Replace(ctx, record); err != nil {
		f.logger.Error("処方箋キャッシュの保存に失敗しました",
			slog.String("recete_no", record.ReceteNo),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("処方箋キャッシュの保存に失敗しました: %w", err)
	}

	f.logger.Info("処方箋を取得しました",
		slog.String("recete_no", record.ReceteNo),
		slog.Int("medicine_count", len(record.Medicines)),
		slog.Bool("auto", auto),
	)
	if f.publisher != nil {
		f.publisher.Publish(events.KindRecordFetched, events.RecordFetched{
			ReceteNo:      record.ReceteNo,
			MedicineCount: len(record.Medicines),
			Auto:          auto,
		})
	}
	return nil
}
