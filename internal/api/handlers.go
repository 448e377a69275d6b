package api

import (
	"net/http"
	"strconv"
	"strings"

	"OpenLLM-Core/internal/auth"
	"OpenLLM-Core/internal/conversation"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/job"
	"OpenLLM-Core/internal/llm"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	models := 0
	if s.deps.Models != nil {
		models = len(s.deps.Models.Models())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": models})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Models == nil {
		writeError(w, unavailable("模型目录"))
		return
	}
	models := s.deps.Models.Models()
	if models == nil {
		models = []llm.ModelDescriptor{}
	}
	writeJSON(w, http.StatusOK, models)
}

// handleCall 执行一次同步调用。
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		writeError(w, unavailable("dispatcher"))
		return
	}
	var req llm.CallRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	attribute(r, &req)
	payload, err := s.deps.Executor.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// attribute 在请求未指定会话时以 API 密钥名称作为会话 ID。
func attribute(r *http.Request, req *llm.CallRequest) {
	if req.SessionID == "" {
		req.SessionID = auth.SubjectName(r.Context())
	}
}

// SwarmRequest 是批量调用的请求体。
type SwarmRequest struct {
	Requests []llm.CallRequest `json:"requests"`
}

// SwarmItem 是批量调用中单个槽位的结果，与请求下标一一对应。
type SwarmItem struct {
	Index      int                  `json:"index"`
	Payload    *llm.ResponsePayload `json:"payload,omitempty"`
	Error      *ErrorBody           `json:"error,omitempty"`
	DurationMS int64                `json:"duration_ms"`
}

// SwarmResponse 汇总批量调用结果。
type SwarmResponse struct {
	Results   []SwarmItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil || s.deps.Swarm == nil {
		writeError(w, unavailable("swarm"))
		return
	}
	var req SwarmRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "requests 不能为空"))
		return
	}

	for i := range req.Requests {
		attribute(r, &req.Requests[i])
	}
	results := s.deps.Swarm.RunCalls(r.Context(), s.deps.Executor, req.Requests)
	resp := SwarmResponse{Results: make([]SwarmItem, len(results))}
	for i, res := range results {
		resp.Results[i] = SwarmItem{
			Index:      res.Index,
			Payload:    res.Payload,
			Error:      errorBody(res.Err),
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.OK() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConversationView 是会话的对外表示。
type ConversationView struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	State   conversation.State `json:"state"`
	History []llm.Message      `json:"history,omitempty"`
}

func viewOf(conv *conversation.Conversation, withHistory bool) ConversationView {
	v := ConversationView{ID: conv.ID(), Model: conv.Model(), State: conv.State()}
	if withHistory {
		v.History = conv.History()
	}
	return v
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeError(w, unavailable("会话管理器"))
		return
	}
	var spec conversation.Spec
	if err := s.decode(w, r, &spec); err != nil {
		writeError(w, err)
		return
	}
	conv, err := s.deps.Conversations.Create(spec, auth.SubjectName(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(conv, false))
}

func (s *Server) lookupConversation(w http.ResponseWriter, r *http.Request) (*conversation.Conversation, bool) {
	if s.deps.Conversations == nil {
		writeError(w, unavailable("会话管理器"))
		return nil, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return nil, false
	}
	conv, err := s.deps.Conversations.Get(id, auth.SubjectName(r.Context()))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return conv, true
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conv, true))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	if err := s.deps.Conversations.Delete(conv.ID(), auth.SubjectName(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MessageRequest 是向会话发送一条用户消息的请求体。
type MessageRequest struct {
	Content string `json:"content"`
	Label   string `json:"label,omitempty"`
}

// TurnResponse 描述一轮会话的结果。失败的轮次同样返回已发生的调用与工具结果。
type TurnResponse struct {
	ConversationID string                   `json:"conversation_id"`
	Text           string                   `json:"text,omitempty"`
	Turn           *conversation.TurnResult `json:"turn"`
	Error          *ErrorBody               `json:"error,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "content 不能为空"))
		return
	}

	turn, err := conv.Send(r.Context(), req.Content, req.Label)
	resp := TurnResponse{ConversationID: conv.ID(), Turn: turn, Error: errorBody(err)}
	status := http.StatusOK
	if err != nil {
		status = StatusFor(xerrors.Code(resp.Error.Code))
	} else {
		resp.Text = turn.Text()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	var req job.SubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	attribute(r, &req.Request)
	submitted, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	query := r.URL.Query()
	var opts []job.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 参数无效"))
			return
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "offset 参数无效"))
			return
		}
		opts = append(opts, job.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if model := query.Get("model"); model != "" {
		opts = append(opts, job.WithModel(model))
	}
	switch query.Get("order") {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "order 只支持 asc 或 desc"))
		return
	}

	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}
