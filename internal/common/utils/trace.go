package utils

import (
	"context"
	"log"
	"sync"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// Segment はX-Rayのセグメントまたはサブセグメントを包む構造体です
// 親セグメントがないコンテキスト(テストやトレース無効時)では何もしません
type Segment struct {
	seg  *xray.Segment
	once sync.Once
}

// StartSegment はトレースの起点となるセグメントを開始します
// 常駐ワーカーのようにリクエスト単位のセグメントがない処理で使います
func StartSegment(ctx context.Context, name string) (context.Context, *Segment) {
	ctx, seg := xray.BeginSegment(ctx, name)
	return ctx, &Segment{seg: seg}
}

// StartSubsegment はサブセグメントを開始します
func StartSubsegment(ctx context.Context, name string) (context.Context, *Segment) {
	ctx, seg := xray.BeginSubsegment(ctx, name)
	return ctx, &Segment{seg: seg}
}

// Close はセグメントを終了します。2回目以降の呼び出しは無視されます
func (s *Segment) Close(err error) {
	if s == nil || s.seg == nil {
		return
	}
	s.once.Do(func() {
		s.seg.Close(err)
	})
}

// AddMetadata はセグメントにメタデータを追加します
func (s *Segment) AddMetadata(key string, value interface{}) {
	if s == nil || s.seg == nil {
		return
	}
	if err := s.seg.AddMetadata(key, value); err != nil {
		log.Printf("Failed to add %s metadata: %v", key, err)
	}
}
