package elastic

import (
	"bytes"
	"context"
	"sync"

	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// Scroll starts a server side scroll over the query and returns a
// lazy iterator. Pages are fetched one at a time as the consumer
// drains the channel, so very large result sets are never held in
// memory at once.
func (self *ElasticStore) Scroll(ctx context.Context,
	scope *store.Scope, query *store.Query,
	page_size uint64) (store.EventIterator, error) {

	if scope.IsEmpty() {
		return nil, store.QueryRejected("scroll with an empty scope")
	}

	opCounter.WithLabelValues("scroll").Inc()

	body, err := searchBody(query, nil, &page_size)
	if err != nil {
		return nil, store.QueryRejected("encoding query: %v", err)
	}

	op_ctx, cancel := self.opContext(ctx)
	defer cancel()

	res, err := self.client.Search(
		self.client.Search.WithContext(op_ctx),
		self.client.Search.WithIndex(scope.Indexes...),
		self.client.Search.WithBody(bytes.NewReader(body)),
		self.client.Search.WithScroll(self.config_obj.ScrollTTL()),
	)
	if err != nil {
		opErrorCounter.WithLabelValues("scroll").Inc()
		return nil, store.ClassifyTransportError(err)
	}
	defer res.Body.Close()

	err = classifyResponse(res)
	if err != nil {
		opErrorCounter.WithLabelValues("scroll").Inc()
		return nil, err
	}

	page, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}

	return &scrollIterator{
		store:     self,
		page:      page,
		scroll_id: page.scroll_id,
	}, nil
}

type scrollIterator struct {
	mu sync.Mutex

	store     *ElasticStore
	page      *searchPage
	scroll_id string
	err       error
	closed    bool
}

func (self *scrollIterator) Events(ctx context.Context) <-chan *events.Event {
	output_chan := make(chan *events.Event)

	go func() {
		defer close(output_chan)
		defer self.Close()

		for {
			self.mu.Lock()
			page := self.page
			self.page = nil
			self.mu.Unlock()

			if page == nil || len(page.events) == 0 {
				return
			}

			for _, event := range page.events {
				select {
				case <-ctx.Done():
					return
				case output_chan <- event:
				}
			}

			next, err := self.fetchNext(ctx)
			if err != nil {
				self.setErr(err)
				return
			}

			self.mu.Lock()
			self.page = next
			self.mu.Unlock()
		}
	}()

	return output_chan
}

func (self *scrollIterator) fetchNext(ctx context.Context) (*searchPage, error) {
	opCounter.WithLabelValues("scroll").Inc()

	op_ctx, cancel := self.store.opContext(ctx)
	defer cancel()

	client := self.store.client
	res, err := client.Scroll(
		client.Scroll.WithContext(op_ctx),
		client.Scroll.WithScrollID(self.scroll_id),
		client.Scroll.WithScroll(self.store.config_obj.ScrollTTL()),
	)
	if err != nil {
		opErrorCounter.WithLabelValues("scroll").Inc()
		return nil, store.ClassifyTransportError(err)
	}
	defer res.Body.Close()

	err = classifyResponse(res)
	if err != nil {
		opErrorCounter.WithLabelValues("scroll").Inc()
		return nil, err
	}

	page, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}

	// The server may rotate the scroll id between pages.
	if page.scroll_id != "" {
		self.scroll_id = page.scroll_id
	}
	return page, nil
}

func (self *scrollIterator) setErr(err error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.err == nil {
		self.err = err
	}
}

func (self *scrollIterator) Err() error {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.err
}

func (self *scrollIterator) Close() {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return
	}
	self.closed = true
	scroll_id := self.scroll_id
	self.mu.Unlock()

	if scroll_id == "" {
		return
	}

	client := self.store.client
	res, err := client.ClearScroll(
		client.ClearScroll.WithScrollID(scroll_id))
	if err != nil {
		self.store.logger.Warn("clearing scroll context: %v", err)
		return
	}
	res.Body.Close()
}
