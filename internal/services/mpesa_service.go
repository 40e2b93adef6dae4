package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	mpesaTokenPath      = "/oauth/v1/generate?grant_type=client_credentials"
	mpesaSTKPushPath    = "/mpesa/stkpush/v1/processrequest"
	mpesaSTKQueryPath   = "/mpesa/stkpushquery/v1/query"
	mpesaTimestampFmt   = "20060102150405"
	mpesaProcessingCode = "500.001.1001"
	mpesaSuccessCode    = "0"
	tokenRefreshLeeway  = 30 * time.Second
)

// Daraja timestamps are in East Africa Time.
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// MPesaConfig holds Daraja credentials and endpoints.
type MPesaConfig struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	AccountReference  string
	TransactionDesc   string
	HTTPTimeout       time.Duration
}

// MPesaService is the PaymentGateway backed by the Safaricom Daraja STK push API.
type MPesaService struct {
	cfg    MPesaConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewMPesaService builds a Daraja client. The access token is fetched lazily and cached.
func NewMPesaService(cfg MPesaConfig, logger *slog.Logger) *MPesaService {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &MPesaService{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
		now:    time.Now,
	}
}

type mpesaAuthResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type mpesaErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// RequestPayment sends an STK push prompting the payer to approve amount.
// STK push only carries whole units, so a fractional amount is refused rather
// than charged as a different value than the one recorded.
func (s *MPesaService) RequestPayment(ctx context.Context, phone string, amount decimal.Decimal) (PaymentRequest, error) {
	if !amount.IsInteger() {
		return PaymentRequest{}, fmt.Errorf("mpesa stk push: amount %s is not a whole number", amount)
	}
	timestamp := s.timestamp()
	body := stkPushRequest{
		BusinessShortCode: s.cfg.BusinessShortCode,
		Password:          s.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.IntPart(),
		PartyA:            phone,
		PartyB:            s.cfg.BusinessShortCode,
		PhoneNumber:       phone,
		CallBackURL:       s.cfg.CallbackURL,
		AccountReference:  s.cfg.AccountReference,
		TransactionDesc:   s.cfg.TransactionDesc,
	}

	status, respBody, err := s.do(ctx, mpesaSTKPushPath, body)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("mpesa stk push: %w", err)
	}
	if status < 200 || status >= 300 {
		return PaymentRequest{}, fmt.Errorf("mpesa stk push: status %d, body: %s", status, string(respBody))
	}

	var resp stkPushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return PaymentRequest{}, fmt.Errorf("mpesa stk push unmarshal: %w", err)
	}
	if resp.ResponseCode != mpesaSuccessCode {
		return PaymentRequest{}, fmt.Errorf("mpesa stk push rejected: %s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	s.logger.Info("mpesa stk push accepted",
		"checkout_request_id", resp.CheckoutRequestID, "merchant_request_id", resp.MerchantRequestID)
	return PaymentRequest{
		RequestID:         resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QueryStatus asks Daraja for the outcome of an STK push. ResultCode "0" is a
// settled payment, the "being processed" response or a missing result code is
// still pending, and any other result code is a definitive failure.
func (s *MPesaService) QueryStatus(ctx context.Context, requestID string) (PaymentStatus, error) {
	timestamp := s.timestamp()
	body := stkQueryRequest{
		BusinessShortCode: s.cfg.BusinessShortCode,
		Password:          s.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: requestID,
	}

	status, respBody, err := s.do(ctx, mpesaSTKQueryPath, body)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("mpesa stk query: %w", err)
	}

	if status < 200 || status >= 300 {
		var apiErr mpesaErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.ErrorCode == mpesaProcessingCode {
			return PaymentStatus{State: SettlementPending, ResultDesc: apiErr.ErrorMessage}, nil
		}
		return PaymentStatus{}, fmt.Errorf("mpesa stk query: status %d, body: %s", status, string(respBody))
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return PaymentStatus{}, fmt.Errorf("mpesa stk query unmarshal: %w", err)
	}
	return classifyResult(resp.ResultCode, resp.ResultDesc), nil
}

// classifyResult maps a Daraja result code onto a settlement state.
func classifyResult(code, desc string) PaymentStatus {
	code = strings.TrimSpace(code)
	switch code {
	case "":
		return PaymentStatus{State: SettlementPending, ResultDesc: desc}
	case mpesaSuccessCode:
		return PaymentStatus{State: SettlementSucceeded, ResultCode: code, ResultDesc: desc}
	default:
		return PaymentStatus{State: SettlementFailed, ResultCode: code, ResultDesc: desc}
	}
}

// AccessToken returns a cached Daraja token, fetching a new one if needed.
func (s *MPesaService) AccessToken(ctx context.Context) (string, error) {
	return s.accessToken(ctx, false)
}

func (s *MPesaService) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		s.tokenMu.RLock()
		if s.token != "" && s.now().Before(s.tokenExpiry) {
			t := s.token
			s.tokenMu.RUnlock()
			return t, nil
		}
		s.tokenMu.RUnlock()
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if !force && s.token != "" && s.now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	if s.cfg.ConsumerKey == "" || s.cfg.ConsumerSecret == "" {
		return "", errors.New("mpesa consumer key and secret are not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+mpesaTokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("mpesa auth request build: %w", err)
	}
	req.SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("mpesa auth read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mpesa auth failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var authResp mpesaAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", fmt.Errorf("mpesa auth unmarshal: %w", err)
	}
	if authResp.AccessToken == "" {
		return "", errors.New("mpesa auth: empty token")
	}

	s.token = authResp.AccessToken
	if secs, err := authResp.ExpiresIn.Int64(); err == nil && secs > 0 {
		s.tokenExpiry = s.now().Add(time.Duration(secs)*time.Second - tokenRefreshLeeway)
	} else {
		s.tokenExpiry = s.now().Add(55 * time.Minute)
	}
	return s.token, nil
}

// do posts payload to path with a bearer token, retrying once with a fresh token on 401.
func (s *MPesaService) do(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	token, err := s.accessToken(ctx, false)
	if err != nil {
		return 0, nil, err
	}
	status, body, err := s.post(ctx, path, data, token)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	token, err = s.accessToken(ctx, true)
	if err != nil {
		return 0, nil, err
	}
	return s.post(ctx, path, data, token)
}

func (s *MPesaService) post(ctx context.Context, path string, data []byte, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (s *MPesaService) timestamp() string {
	return s.now().In(eastAfricaTime).Format(mpesaTimestampFmt)
}

// password is base64(shortCode + passkey + timestamp).
func (s *MPesaService) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(s.cfg.BusinessShortCode + s.cfg.Passkey + timestamp))
}
