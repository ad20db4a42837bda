package dlspeed

import (
	"context"
	"encoding/json"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const resultsFormField = "data"

// ResultsClient posts reports to the collector as a URL-encoded form.
type ResultsClient struct {
	client *resty.Client
	url    string
	log    zerolog.Logger
}

func NewResultsClient(client *resty.Client, url string) *ResultsClient {
	return &ResultsClient{
		client: client,
		url:    url,
		log:    log.With().Str("component", "results").Str("url", url).Logger(),
	}
}

func (c *ResultsClient) Submit(ctx context.Context, report *Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "could not encode report")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{resultsFormField: string(payload)}).
		Post(c.url)
	if err != nil {
		return errors.Wrap(err, "could not post report")
	}
	c.log.Debug().Dur("timeSpent", resp.Time()).Str("status", resp.Status()).Msg("posted report")

	if !resp.IsSuccess() {
		return errors.Errorf("could not post report: %s", resp.Status())
	}

	return nil
}
