package handler

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/receteci/internal/analysis"
	"github.com/hitoshi/receteci/internal/middleware"
	"github.com/hitoshi/receteci/internal/model"
)

// PrescriptionService は処方箋の取得。prescription.Fetcherが実装する。
type PrescriptionService interface {
	Fetch(ctx context.Context, receteNo string, force bool) (*model.PrescriptionRecord, error)
	ForgetAuto()
}

// AnalysisService は薬品の評価。analysis.Orchestratorが実装する。
type AnalysisService interface {
	Analyze(ctx context.Context, receteNo string, codes []string, force bool) (*analysis.Outcome, error)
}

// OperationRunner は操作を外側のタイムアウト付きで実行する。automation.Controllerが実装する。
type OperationRunner interface {
	Run(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) model.Envelope
}

// CacheClearer はローカルキャッシュを削除する。
type CacheClearer interface {
	Clear(ctx context.Context) error
}

// PrescriptionHandler は処方箋取得・評価・キャッシュ操作のHTTPハンドラー。
type PrescriptionHandler struct {
	prescriptions PrescriptionService
	analyses      AnalysisService
	runner        OperationRunner
	cache         CacheClearer
}

// NewPrescriptionHandler はPrescriptionHandlerを生成する。
func NewPrescriptionHandler(prescriptions PrescriptionService, analyses AnalysisService, runner OperationRunner, cache CacheClearer) *PrescriptionHandler {
	return &PrescriptionHandler{
		prescriptions: prescriptions,
		analyses:      analyses,
		runner:        runner,
		cache:         cache,
	}
}

type analysisRequest struct {
	MedicineCodes []string `json:"medicineCodes"`
	Force         bool     `json:"force"`
}

type recordResponse struct {
	ReceteNo            string             `json:"receteNo"`
	RecordDate          string             `json:"recordDate,omitempty"`
	LastTransactionDate string             `json:"lastTransactionDate,omitempty"`
	FacilityCode        string             `json:"facilityCode"`
	DepartmentCode      string             `json:"departmentCode"`
	Medicines           []medicineResponse `json:"medicines"`
	CachedAt            string             `json:"cachedAt,omitempty"`
}

type medicineResponse struct {
	Barkod           string          `json:"barkod"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	Dose             string          `json:"dose"`
	Period           string          `json:"period"`
	EligibleFrom     string          `json:"eligibleFrom,omitempty"`
	IsReportRequired bool            `json:"isReportRequired"`
	Report           *reportResponse `json:"report,omitempty"`
}

type reportResponse struct {
	ReportNo             string   `json:"reportNo"`
	Diagnoses            []string `json:"diagnoses"`
	PrescriberDepartment string   `json:"prescriberDepartment"`
}

type analysisResponse struct {
	Barkod           string  `json:"barkod"`
	IsValid          bool    `json:"isValid"`
	ValidityScore    float64 `json:"validityScore"`
	EvolutionDetails string  `json:"evolutionDetails"`
	ProcessedAt      string  `json:"processedAt,omitempty"`
	IssuerID         string  `json:"issuerId"`
}

type analysisFailure struct {
	Barkod string           `json:"barkod"`
	Error  *model.ErrorBody `json:"error"`
}

type outcomeResponse struct {
	ReceteNo string             `json:"receteNo"`
	Results  []analysisResponse `json:"results"`
	Failed   []analysisFailure  `json:"failed"`
	Computed []string           `json:"computed"`
}

// GetPrescription は処方箋を取得する。キャッシュがあればそれを返す。
// GET /api/prescriptions/{receteNo}?force=true
func (h *PrescriptionHandler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	receteNo := chi.URLParam(r, "receteNo")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	env := h.runner.Run(r.Context(), "fetch_record", func(ctx context.Context) (any, error) {
		record, err := h.prescriptions.Fetch(ctx, receteNo, force)
		if err != nil {
			return nil, err
		}
		return toRecordResponse(record), nil
	})
	middleware.WriteEnvelope(w, env)
}

// Analyze は処方箋の薬品を評価する。
// 一部の薬品が失敗しても成功として返し、失敗分はfailedに含める。すべて失敗した場合はエラーを返す。
// POST /api/prescriptions/{receteNo}/analysis
func (h *PrescriptionHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	receteNo := chi.URLParam(r, "receteNo")

	var req analysisRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		middleware.WriteError(w, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	out, err := h.analyses.Analyze(r.Context(), receteNo, req.MedicineCodes, req.Force)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if out.AllFailed() {
		middleware.WriteError(w, out.Failed[out.FailedCodes()[0]])
		return
	}

	middleware.WriteOK(w, toOutcomeResponse(model.NormalizeText(receteNo), out))
}

// ClearCache はローカルキャッシュをすべて削除する。
// DELETE /api/cache
func (h *PrescriptionHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.prescriptions.ForgetAuto()
	middleware.WriteOK(w, map[string]bool{"cleared": true})
}

func toRecordResponse(r *model.PrescriptionRecord) recordResponse {
	resp := recordResponse{
		ReceteNo:            r.ReceteNo,
		RecordDate:          formatDate(r.RecordDate),
		LastTransactionDate: formatDate(r.LastTransactionDate),
		FacilityCode:        r.FacilityCode,
		DepartmentCode:      r.DepartmentCode,
		Medicines:           make([]medicineResponse, 0, len(r.Medicines)),
		CachedAt:            formatTime(r.CachedAt),
	}
	for _, m := range r.Medicines {
		mr := medicineResponse{
			Barkod:           m.Barkod,
			Name:             m.Name,
			Quantity:         m.Quantity,
			Dose:             m.Dose,
			Period:           m.Period,
			EligibleFrom:     formatDate(m.EligibleFrom),
			IsReportRequired: m.IsReportRequired,
		}
		if m.Report != nil {
			mr.Report = &reportResponse{
				ReportNo:             m.Report.ReportNo,
				Diagnoses:            m.Report.Diagnoses,
				PrescriberDepartment: m.Report.PrescriberDepartment,
			}
		}
		resp.Medicines = append(resp.Medicines, mr)
	}
	return resp
}

func toOutcomeResponse(receteNo string, out *analysis.Outcome) outcomeResponse {
	resp := outcomeResponse{
		ReceteNo: receteNo,
		Results:  make([]analysisResponse, 0, len(out.Results)),
		Failed:   make([]analysisFailure, 0, len(out.Failed)),
		Computed: out.Computed,
	}
	if resp.Computed == nil {
		resp.Computed = []string{}
	}
	for _, code := range sortedKeys(out.Results) {
		a := out.Results[code]
		resp.Results = append(resp.Results, analysisResponse{
			Barkod:           a.Barkod,
			IsValid:          a.IsValid,
			ValidityScore:    a.ValidityScore,
			EvolutionDetails: a.EvolutionDetails,
			ProcessedAt:      formatTime(a.ProcessedAt),
			IssuerID:         a.IssuerID,
		})
	}
	for _, code := range out.FailedCodes() {
		resp.Failed = append(resp.Failed, analysisFailure{
			Barkod: code,
			Error:  model.Fail(out.Failed[code]).Error,
		})
	}
	return resp
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
