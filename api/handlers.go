package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/repository"
)

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)

	v1 := s.echo.Group("/v1")

	v1.POST("/use-cases", s.createUseCase)
	v1.GET("/use-cases", s.listUseCases)
	v1.GET("/use-cases/:id", s.getUseCase)
	v1.POST("/use-cases/:id/cancel", s.cancelUseCase)
	v1.POST("/use-cases/:id/advance", s.advanceUseCase)
	v1.GET("/use-cases/:id/state-machine", s.useCaseStateMachine)
	v1.GET("/use-cases/:id/summary", s.useCaseSummary)
	v1.GET("/use-cases/:id/activity", s.useCaseActivity)
	v1.GET("/use-cases/:id/requirements", s.uploadRequirements)
	v1.POST("/use-cases/:id/config", s.uploadConfig)

	v1.POST("/use-cases/:id/models", s.createModel)
	v1.GET("/use-cases/:id/models", s.listModels)
	v1.POST("/use-cases/:id/models/:mid/dataset", s.uploadDataset)
	v1.POST("/use-cases/:id/models/:mid/predictions", s.uploadPredictions)
	v1.POST("/use-cases/:id/models/:mid/cancel", s.cancelModel)
	v1.POST("/use-cases/:id/models/:mid/advance", s.advanceModel)
	v1.GET("/use-cases/:id/models/:mid/state-machine", s.modelStateMachine)

	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/cancel", s.cancelTask)
	v1.GET("/tasks/stats", s.taskStats)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "caliper",
	})
}

type createUseCaseRequest struct {
	Name      string `json:"name"`
	TeamEmail string `json:"team_email"`
}

func (s *Server) createUseCase(c echo.Context) error {
	var req createUseCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	uc, err := s.service.CreateUseCase(c.Request().Context(), req.Name, req.TeamEmail)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, uc)
}

func (s *Server) listUseCases(c echo.Context) error {
	filter := repository.UseCaseFilter{
		State:  domain.State(c.QueryParam("state")),
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}
	list, err := s.service.ListUseCases(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"use_cases": list})
}

func (s *Server) getUseCase(c echo.Context) error {
	uc, err := s.service.GetUseCase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, uc)
}

type cancelRequest struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func (s *Server) cancelUseCase(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	state, err := s.service.CancelUseCase(c.Request().Context(), c.Param("id"), userOrDefault(req.User), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(state)})
}

type advanceRequest struct {
	To     string `json:"to"`
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func (s *Server) advanceUseCase(c echo.Context) error {
	return s.advance(c, domain.KindUseCase, c.Param("id"))
}

func (s *Server) advanceModel(c echo.Context) error {
	return s.advance(c, domain.KindModel, c.Param("mid"))
}

func (s *Server) advance(c echo.Context, kind domain.AggregateKind, id string) error {
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target state is required")
	}
	sm, err := s.service.Advance(c.Request().Context(), kind, id, domain.State(req.To), userOrDefault(req.User), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(sm.Current())})
}

func (s *Server) useCaseStateMachine(c echo.Context) error {
	snapshot, err := s.service.GetStateMachine(c.Request().Context(), domain.KindUseCase, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) modelStateMachine(c echo.Context) error {
	snapshot, err := s.service.GetStateMachine(c.Request().Context(), domain.KindModel, c.Param("mid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) useCaseSummary(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	summary, err := s.service.StateSummary(ctx, id)
	if err != nil {
		return err
	}
	needing, err := s.service.NeedingAction(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"states":         summary,
		"needing_action": needing,
	})
}

func (s *Server) useCaseActivity(c echo.Context) error {
	entries, err := s.service.ActivityLog(c.Request().Context(), c.Param("id"), queryInt(c, "limit"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"activity": entries})
}

func (s *Server) uploadRequirements(c echo.Context) error {
	reqs, err := s.uploader.GetUploadRequirements(c.Request().Context(), c.Param("id"), c.QueryParam("model_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requirements": reqs})
}

type createModelRequest struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
}

func (s *Server) createModel(c echo.Context) error {
	var req createModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.service.CreateModelEvaluation(c.Request().Context(), c.Param("id"), req.ModelName, req.ModelVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) listModels(c echo.Context) error {
	models, err := s.service.ListModelEvaluations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"models": models})
}

func (s *Server) cancelModel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	state, err := s.service.CancelModel(c.Request().Context(), c.Param("mid"), userOrDefault(req.User), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) uploadConfig(c echo.Context) error {
	data, filename, user, err := readUpload(c)
	if err != nil {
		return err
	}
	result, err := s.uploader.UploadConfig(c.Request().Context(), c.Param("id"), data, filename, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

func (s *Server) uploadDataset(c echo.Context) error {
	data, filename, user, err := readUpload(c)
	if err != nil {
		return err
	}
	result, err := s.uploader.UploadDataset(c.Request().Context(), c.Param("id"), c.Param("mid"), data, filename, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

func (s *Server) uploadPredictions(c echo.Context) error {
	data, filename, user, err := readUpload(c)
	if err != nil {
		return err
	}
	result, err := s.uploader.UploadPredictions(c.Request().Context(), c.Param("id"), c.Param("mid"), data, filename, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

func (s *Server) getTask(c echo.Context) error {
	task, err := s.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c echo.Context) error {
	if err := s.queue.RequestCancel(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) taskStats(c echo.Context) error {
	counts, err := s.queue.CountByStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"counts": counts})
}

// readUpload extracts the file part and user field of a multipart upload,
// falling back to the raw body for non-multipart requests.
func readUpload(c echo.Context) (data []byte, filename, user string, err error) {
	user = userOrDefault(c.FormValue("user"))

	fileHeader, ferr := c.FormFile("file")
	if ferr == nil {
		f, err := fileHeader.Open()
		if err != nil {
			return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		return data, fileHeader.Filename, user, nil
	}

	data, err = io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	if len(data) == 0 {
		return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "empty upload")
	}
	return data, "upload", user, nil
}

func userOrDefault(user string) string {
	if user == "" {
		return "anonymous"
	}
	return user
}

func queryInt(c echo.Context, name string) int {
	v := c.QueryParam(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
