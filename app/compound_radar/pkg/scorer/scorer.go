package scorer

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/terms"
)

// DefaultWeights 各等级的默认权重
var DefaultWeights = map[model.SourceTier]float64{
	model.TierPaidAPI:      10,
	model.TierGovernment:   8,
	model.TierPeerReviewed: 6,
	model.TierIndustryDB:   4,
	model.TierCompany:      2,
	model.TierNews:         1,
	model.TierUnclassified: 0.5,
}

// DefaultDomains 各等级的已知域名，按最长后缀匹配
var DefaultDomains = map[model.SourceTier][]string{
	model.TierGovernment: {
		"fda.gov", "accessdata.fda.gov", "ema.europa.eu", "nih.gov", "cdc.gov", "who.int",
		"mhra.gov.uk", "nice.org.uk", "tga.gov.au", "pmda.go.jp", "canada.ca",
		"dailymed.nlm.nih.gov", "medlineplus.gov",
	},
	model.TierPeerReviewed: {
		"ncbi.nlm.nih.gov", "pubmed.ncbi.nlm.nih.gov", "pmc.ncbi.nlm.nih.gov", "clinicaltrials.gov",
		"nejm.org", "thelancet.com", "jamanetwork.com", "bmj.com", "nature.com",
		"sciencedirect.com", "springer.com", "wiley.com", "cochranelibrary.com", "plos.org",
		"frontiersin.org", "mdpi.com", "academic.oup.com", "ahajournals.org", "cell.com",
	},
	model.TierIndustryDB: {
		"drugbank.com", "drugbank.ca", "drugs.com", "rxlist.com", "medscape.com",
		"uptodate.com", "pubchem.ncbi.nlm.nih.gov", "ebi.ac.uk", "pharmgkb.org", "genome.jp",
	},
	model.TierCompany: {
		"pfizer.com", "bayer.com", "novartis.com", "roche.com", "gsk.com", "merck.com",
		"jnj.com", "astrazeneca.com", "sanofi.com", "abbvie.com", "lilly.com", "bms.com",
		"takeda.com", "novonordisk.com",
	},
	model.TierNews: {
		"reuters.com", "fiercepharma.com", "statnews.com", "bloomberg.com", "nytimes.com",
		"bbc.co.uk", "bbc.com", "cnn.com", "medicalnewstoday.com", "healthline.com",
		"webmd.com", "forbes.com", "biospace.com", "endpts.com",
	},
}

// 域名表未命中时的通用后缀
var genericSuffixes = []struct {
	suffix string
	tier   model.SourceTier
}{
	{".gov", model.TierGovernment},
	{".gov.uk", model.TierGovernment},
	{".gov.au", model.TierGovernment},
	{".gc.ca", model.TierGovernment},
	{".europa.eu", model.TierGovernment},
	{".int", model.TierGovernment},
	{".edu", model.TierPeerReviewed},
	{".ac.uk", model.TierPeerReviewed},
}

// Config 评分配置，零值字段使用默认值
type Config struct {
	Weights        map[model.SourceTier]float64
	Domains        map[model.SourceTier][]string
	PrimarySources map[string]bool
	HalfLife       time.Duration
	Floor          float64
}

// Scorer 为证据计算来源等级、时效与相关度，纯函数
type Scorer struct {
	weights  map[model.SourceTier]float64
	domains  map[string]model.SourceTier
	primary  map[string]bool
	halfLife time.Duration
	floor    float64
}

// New 创建评分器，配置中的域名追加到默认表，权重按等级覆盖
func New(cfg Config) *Scorer {
	s := &Scorer{
		weights:  make(map[model.SourceTier]float64, len(DefaultWeights)),
		domains:  make(map[string]model.SourceTier),
		primary:  cfg.PrimarySources,
		halfLife: cfg.HalfLife,
		floor:    cfg.Floor,
	}
	for t, w := range DefaultWeights {
		s.weights[t] = w
	}
	for t, w := range cfg.Weights {
		if w > 0 {
			s.weights[t] = w
		}
	}
	for _, src := range []map[model.SourceTier][]string{DefaultDomains, cfg.Domains} {
		for t, ds := range src {
			for _, d := range ds {
				s.domains[strings.ToLower(strings.TrimPrefix(d, "."))] = t
			}
		}
	}
	if s.halfLife <= 0 {
		s.halfLife = 5 * 365 * 24 * time.Hour
	}
	if s.floor <= 0 {
		s.floor = 0.25
	}
	return s
}

// Reference 评分基准，同一报告内保持不变以保证可复现
type Reference struct {
	Query string
	AsOf  time.Time
}

// Score 计算单条证据的 Tier、Authority、Recency 与 Relevance
func (s *Scorer) Score(sn model.Snippet, ref Reference) model.Snippet {
	sn.Tier = s.Classify(sn.ProviderID, sn.SourceURL)
	sn.Recency = s.Recency(sn.PublishedAt, ref.AsOf)
	sn.Authority = s.Weight(sn.Tier) * sn.Recency
	sn.Relevance = Relevance(sn.Relevance, ref.Query, sn)
	return sn
}

// ScoreAll 对一组证据评分，返回新切片
func (s *Scorer) ScoreAll(snippets []model.Snippet, ref Reference) []model.Snippet {
	out := make([]model.Snippet, len(snippets))
	for i, sn := range snippets {
		out[i] = s.Score(sn, ref)
	}
	return out
}

// Weight 等级权重
func (s *Scorer) Weight(t model.SourceTier) float64 {
	if w, ok := s.weights[t]; ok {
		return w
	}
	return s.weights[model.TierUnclassified]
}

// MaxWeight 最高等级权重，用于归一化
func (s *Scorer) MaxWeight() float64 {
	max := 0.0
	for _, w := range s.weights {
		max = math.Max(max, w)
	}
	return max
}

// Classify 根据 provider 与来源 URL 判断等级
func (s *Scorer) Classify(providerID, rawURL string) model.SourceTier {
	if s.primary[providerID] {
		return model.TierPaidAPI
	}
	host := hostOf(rawURL)
	if host == "" {
		return model.TierUnclassified
	}

	best, bestLen := model.TierUnclassified, 0
	for d, t := range s.domains {
		if (host == d || strings.HasSuffix(host, "."+d)) && len(d) > bestLen {
			best, bestLen = t, len(d)
		}
	}
	if bestLen > 0 {
		return best
	}
	for _, g := range genericSuffixes {
		if strings.HasSuffix(host, g.suffix) && len(g.suffix) > bestLen {
			best, bestLen = g.tier, len(g.suffix)
		}
	}
	return best
}

// Recency 半衰期衰减，未标注或晚于基准时间的日期视为最新
func (s *Scorer) Recency(published *time.Time, asOf time.Time) float64 {
	if published == nil || asOf.IsZero() {
		return 1
	}
	age := asOf.Sub(*published)
	if age <= 0 {
		return 1
	}
	f := math.Pow(0.5, float64(age)/float64(s.halfLife))
	return math.Max(s.floor, f)
}

// Relevance provider 分数在 (0,1] 内时直接采用，否则按查询词覆盖率计算
func Relevance(providerScore float64, query string, sn model.Snippet) float64 {
	if providerScore > 0 && providerScore <= 1 {
		return providerScore
	}
	q := terms.KeyTerms(query)
	if len(q) == 0 {
		return 0
	}
	doc := terms.KeyTerms(sn.Title + " " + sn.Field + " " + sn.Value + " " + sn.Text)
	hit := 0
	for k := range q {
		if _, ok := doc[k]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
