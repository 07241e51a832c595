package extractor

var stopWords = func() map[string]bool {
	list := []string{
		"the", "and", "for", "are", "but", "not", "you", "your", "yours", "all", "any", "can",
		"her", "was", "one", "our", "ours", "out", "has", "have", "had", "his", "him", "how",
		"its", "who", "whom", "why", "what", "when", "where", "which", "while", "with", "within",
		"without", "from", "into", "onto", "over", "under", "than", "then", "that", "this",
		"these", "those", "there", "their", "theirs", "them", "they", "were", "been", "being",
		"will", "would", "shall", "should", "could", "may", "might", "must", "also", "just",
		"only", "very", "more", "most", "much", "many", "some", "such", "each", "every",
		"both", "few", "other", "own", "same", "too", "about", "above", "after", "again",
		"against", "before", "below", "between", "during", "through", "until", "upon",
		"because", "does", "did", "doing", "done", "here", "now", "off", "once", "yet",
		"get", "got", "let", "make", "made", "use", "used", "using", "like", "well", "back",
		"even", "still", "way", "ways", "see", "new", "via", "per", "etc",
		"home", "page", "click", "read",
		"menu", "contact", "privacy", "policy", "terms", "cookies", "cookie", "copyright",
		"rights", "reserved", "login", "sign", "search", "skip", "content", "main",
	}
	m := make(map[string]bool, len(list))
	for _, w := range list {
		m[w] = true
	}
	return m
}()
