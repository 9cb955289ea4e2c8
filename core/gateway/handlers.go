package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/filter"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/translate"
	"github.com/relabs-tech/limen/core/txn"
)

// Params echoes how the gateway read a request.
type Params struct {
	Resource      string `json:"table"`
	Operation     string `json:"operation"`
	RowsAffected  int    `json:"rowsAffected,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// Response is the envelope of the data endpoints. Data is a list of
// objects, or a single object for single requests. Count is only set
// when the request asked for it.
type Response struct {
	Data   any    `json:"data"`
	Count  *int   `json:"count,omitempty"`
	Params Params `json:"params"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Columns []string `json:"columns,omitempty"`
}

func errorBody(message string) errorResponse {
	return errorResponse{Error: message}
}

func writeJSON(w http.ResponseWriter, status int, response any) {
	jsonData, _ := json.MarshalWithOption(response, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// WriteError renders err according to its fault class. Client faults
// keep their message, everything unclassified is reduced to an opaque
// body and logged with full detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 2251: %s %s failed", r.Method, r.URL.Path)
	}
	body := errorBody(fault.Message(err))
	if columns, ok := fault.RestrictedColumns(err); ok {
		body.Columns = columns
	}
	writeJSON(w, status, body)
}

func (g *Gateway) operationHandler(operation core.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeRequest(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if operation == core.OperationInsert || operation == core.OperationUpsert {
			if err := g.validateRecords(req); err != nil {
				WriteError(w, r, err)
				return
			}
		}
		ctx := r.Context()
		identity := access.IdentityFromContext(ctx)
		transactionID := r.Header.Get(txn.HeaderTransactionID)

		var q *translate.ScopedQuery
		var result *translate.Result
		if transactionID != "" {
			err = g.coordinator.WithTransaction(ctx, transactionID, func(conn csql.Conn, subject string) error {
				var cerr error
				q, cerr = g.translator.Translate(pinned(identity, subject), operation, req)
				if cerr != nil {
					return cerr
				}
				result, cerr = g.executor.Execute(ctx, conn, q)
				return cerr
			})
		} else {
			q, err = g.translator.Translate(identity, operation, req)
			if err == nil {
				result, err = g.execute(ctx, operation, q)
			}
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeResult(w, operation, transactionID, q, result)
	}
}

// execute runs a plan outside of a client transaction. Everything that
// changes rows gets a short transaction of its own, a symmetric plan
// carries two statements and the single check must be able to undo them.
func (g *Gateway) execute(ctx context.Context, operation core.Operation, q *translate.ScopedQuery) (*translate.Result, error) {
	if operation == core.OperationSelect {
		return g.executor.Execute(ctx, g.db, q)
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Upstream.Wrap(err)
	}
	result, err := g.executor.Execute(ctx, tx, q)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Upstream.Wrap(err)
	}
	return result, nil
}

// validateRecords checks insert and upsert records against the payload
// schema the rule names. The records are checked as the client sent
// them, scoping columns are not part of the schema contract. Resources
// without a schema pass through.
func (g *Gateway) validateRecords(req *translate.Request) error {
	schemaID, ok := g.payloadSchemas[req.Resource]
	if !ok {
		return nil
	}
	records, err := req.Rows()
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := g.schemas.ValidateStruct(record, schemaID); err != nil {
			return fault.Validation.New("record does not follow schema %s, %v", schemaID, err)
		}
	}
	return nil
}

// pinned scopes ownership inside a client transaction to the subject
// recorded when the transaction began. Roles stay with the live
// request, role requirements are re-checked on every call.
func pinned(identity *access.Identity, subject string) *access.Identity {
	if identity == nil && subject == "" {
		return nil
	}
	scoped := access.Identity{Subject: subject}
	if identity != nil {
		scoped = *identity
		scoped.Subject = subject
	}
	return &scoped
}

func decodeRequest(r *http.Request) (*translate.Request, error) {
	if r.Method == http.MethodGet {
		return requestFromQuery(r.URL.Query())
	}
	var req translate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fault.Validation.New("invalid request body: %v", err)
	}
	if req.Resource == "" {
		return nil, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: "table"})
	}
	return &req, nil
}

// requestFromQuery reads a select request from query parameters. Any
// parameter that is not reserved becomes an equality condition on the
// column of that name.
func requestFromQuery(values url.Values) (*translate.Request, error) {
	req := &translate.Request{Resource: values.Get("table")}
	if req.Resource == "" {
		return nil, fault.Validation.Wrap(&fault.MissingRequiredFieldError{Field: "table"})
	}
	var page *int
	for key, list := range values {
		value := list[len(list)-1]
		var err error
		switch key {
		case "table":
		case "columns":
			req.Columns = strings.Split(value, ",")
		case "order":
			for _, criterion := range strings.Split(value, ",") {
				order, err := parseOrder(criterion)
				if err != nil {
					return nil, err
				}
				req.Order = append(req.Order, order)
			}
		case "limit":
			if req.Limit, err = queryInt(key, value); err != nil {
				return nil, err
			}
		case "offset":
			if req.Offset, err = queryInt(key, value); err != nil {
				return nil, err
			}
		case "page":
			if page, err = queryInt(key, value); err != nil {
				return nil, err
			}
		case "single":
			req.Single = value == "true"
		case "count":
			req.Count = value == "true"
		case "filter":
			for _, doc := range list {
				var f filter.Filter
				if err := json.Unmarshal([]byte(doc), &f); err != nil {
					return nil, fault.Validation.New("parameter filter: %v", err)
				}
				req.Filters = append(req.Filters, f)
			}
		case "join":
			return nil, fault.Validation.New("joins are not supported")
		default:
			if req.Where == nil {
				req.Where = map[string]any{}
			}
			if len(list) == 1 {
				req.Where[key] = list[0]
			} else {
				set := make([]any, 0, len(list))
				for _, v := range list {
					set = append(set, v)
				}
				req.Where[key] = set
			}
		}
	}
	if page != nil {
		if req.Limit == nil {
			return nil, fault.Validation.New("parameter page needs a limit")
		}
		if req.Offset != nil {
			return nil, fault.Validation.New("page and offset cannot be combined")
		}
		if *page < 1 {
			return nil, fault.Validation.New("parameter page starts at 1")
		}
		offset := (*page - 1) * *req.Limit
		req.Offset = &offset
	}
	return req, nil
}

func queryInt(key, value string) (*int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, fault.Validation.New("parameter %s: %v", key, err)
	}
	return &n, nil
}

// parseOrder reads one order criterion in the query form "column",
// "column.asc" or "column.desc".
func parseOrder(criterion string) (filter.Order, error) {
	column, direction, found := strings.Cut(criterion, ".")
	order := filter.Order{Column: column}
	if found {
		switch direction {
		case "asc":
		case "desc":
			order.Descending = true
		default:
			return filter.Order{}, fault.Validation.New("order direction must be asc or desc, got '%s'", direction)
		}
	}
	return order, nil
}

func writeResult(w http.ResponseWriter, operation core.Operation, transactionID string, q *translate.ScopedQuery, result *translate.Result) {
	var data any = result.Rows
	if q.Single {
		data = result.Rows[0]
	}
	if operation == core.OperationSelect && result.Count != nil {
		writePaginationHeaders(w, q.Page, *result.Count)
	}
	status := http.StatusOK
	if operation == core.OperationInsert || operation == core.OperationUpsert {
		status = http.StatusCreated
	}
	writeJSON(w, status, Response{
		Data:  data,
		Count: result.Count,
		Params: Params{
			Resource:      q.Resource,
			Operation:     string(operation),
			RowsAffected:  result.RowsAffected,
			TransactionID: transactionID,
		},
	})
}

func writePaginationHeaders(w http.ResponseWriter, page filter.Page, totalCount int) {
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(totalCount))
	if page.IsZero() || page.Limit() < 1 {
		return
	}
	limit := page.Limit()
	w.Header().Set("Pagination-Limit", strconv.Itoa(limit))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(((totalCount-1)/limit)+1))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa((page.Offset()/limit)+1))
}
