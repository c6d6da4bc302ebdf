package knowledge

// Builtin 返回内置的 Solana 协议卡片，未配置知识库文件时使用。
func Builtin() []Snippet {
	return []Snippet{
		{
			Title:    "Marinade Finance",
			Content:  "Liquid staking for SOL. Deposits mint mSOL, which accrues staking rewards and can be used across DeFi. Long track record, audited.",
			Keywords: []string{"marinade", "msol"},
			Tags:     []string{"stake", "staking"},
		},
		{
			Title:    "Jito",
			Content:  "Liquid staking with MEV rewards. Deposits mint JitoSOL.",
			Keywords: []string{"jito", "jitosol", "mev"},
			Tags:     []string{"stake", "staking"},
		},
		{
			Title:    "Kamino Finance",
			Content:  "Automated liquidity vaults and lending markets on Solana. Lending USDC or SOL earns variable yield.",
			Keywords: []string{"kamino"},
			Tags:     []string{"lend", "lending", "usdc", "vault"},
		},
		{
			Title:    "Drift Protocol",
			Content:  "Perpetuals and spot exchange with lending. Deposits earn yield but are exposed to exchange and liquidation risk.",
			Keywords: []string{"drift"},
			Tags:     []string{"perp", "perps", "leverage"},
		},
		{
			Title:    "Sonic",
			Content:  "Newer SVM chain ecosystem. Incentives can be high but protocols have short operating history.",
			Keywords: []string{"sonic"},
			Tags:     []string{"new", "degen"},
		},
	}
}
