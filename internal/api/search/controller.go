package search

import (
	"context"
	"net/http"

	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/labstack/echo/v4"
)

type (
	Searcher interface {
		Search(ctx context.Context, keyword string) ([]source.SearchResult, error)
	}

	Controller struct {
		searcher Searcher
	}
)

func New(searcher Searcher) *Controller {
	return &Controller{searcher: searcher}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.search)
}

func (controller *Controller) search(ec echo.Context) error {
	results, err := controller.searcher.Search(ec.Request().Context(), ec.QueryParam("keyword"))
	if err != nil {
		return err
	}
	if results == nil {
		results = []source.SearchResult{}
	}

	return ec.JSON(http.StatusOK, results)
}
